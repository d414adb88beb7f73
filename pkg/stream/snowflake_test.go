// 文件: pkg/stream/snowflake_test.go
// 序列号生成器单元测试

package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextSeqMonotonic(t *testing.T) {
	require.NoError(t, InitSnowflake(0))

	prev := NextSeq()
	for i := 0; i < 1000; i++ {
		next := NextSeq()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestInitSnowflakeOnce(t *testing.T) {
	// 重复初始化是无害空操作
	require.NoError(t, InitSnowflake(1))
	assert.Positive(t, NextSeq())
}
