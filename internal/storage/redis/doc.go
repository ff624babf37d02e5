// Package redis 构造市场各组件共享的 Redis 客户端，供队列、限流器与支付账本使用。
package redis
