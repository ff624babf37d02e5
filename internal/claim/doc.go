// Package claim 汇集卖方对任务的报价，并按可插拔策略选出唯一的中标报价。
package claim
