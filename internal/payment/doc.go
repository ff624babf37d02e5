// Package payment 实现 x402 "exact" 方案的支付网关：生成 402 支付要求，
// 校验买方提交的 EIP-3009 授权，并通过账本保证同一凭证至多被消费一次。
package payment
