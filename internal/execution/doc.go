// Package execution 管理卖方侧的任务执行记录：在支付被接受后创建记录并签发买方密钥，
// 由队列驱动工作单元执行，并以单调的状态迁移记录最终结果。
package execution
