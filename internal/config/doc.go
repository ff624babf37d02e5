// Package config 负责加载市场守护进程的 JSON 配置：先叠加 .env，再填充默认值、
// 应用 MARKET_* 环境变量覆盖，最后用 validator 校验。
package config
