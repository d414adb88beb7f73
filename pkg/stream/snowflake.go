// 文件: pkg/stream/snowflake.go
// 雪花算法序列号生成器
// 使用开源库: github.com/bwmarrin/snowflake
//
// 用于账本导出事件的全局递增序列号和合规报告编号。
// 实体主键用 UUID，这里只要单调序列。

package stream

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node     *snowflake.Node
	initOnce sync.Once
)

// InitSnowflake 初始化雪花算法
// nodeID: 节点ID (0-1023)，多实例部署时各实例不同
func InitSnowflake(nodeID int64) error {
	var err error
	initOnce.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// NextSeq 生成下一个序列号
func NextSeq() int64 {
	if node == nil {
		// 未初始化则使用默认节点0
		InitSnowflake(0)
	}
	return node.Generate().Int64()
}
