// Package mysql 提供 MySQL 连接池、嵌入式 schema 迁移以及各业务存储共用的错误判定。
// 注册表、任务、支付账本与执行记录的 MySQL 实现都基于这里打开的 *sql.DB。
package mysql
