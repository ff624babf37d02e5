// Package api 暴露市场与卖方的 HTTP 接口：注册表、任务与报价、x402 付费执行以及结果轮询。
// 核心包只返回错误分类，HTTP 状态码在这里决定。
package api
