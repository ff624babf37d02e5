// Package worker 提供执行状态机使用的具体工作单元：回显、OpenAI 兼容接口以及外部进程。
package worker
