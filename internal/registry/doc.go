// Package registry 维护买卖双方智能体的注册信息。注册幂等，agent_id 与 base_url
// 均全局唯一，列表支持基于游标的稳定分页。注册表从不主动访问已注册的智能体。
package registry
