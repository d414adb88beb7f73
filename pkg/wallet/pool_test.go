// 文件: pkg/wallet/pool_test.go
// 钱包池认领与派生集成测试

package wallet

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"maplex.com/pkg/chain"
)

const testDSN = "root:123456@tcp(127.0.0.1:3307)/maplex_test?charset=utf8mb4&parseTime=True&loc=Local"

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(mysql.Open(testDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Wallet{}, &Counter{}))
	return db
}

type countingDeriver struct {
	seed  string
	calls int
}

func (d *countingDeriver) Derive(c chain.Chain, index int64) (string, string, []byte, *uint32, error) {
	d.calls++
	address := fmt.Sprintf("%s-%s-%d", d.seed, c, index)
	return address, fmt.Sprintf("m/44'/0'/0'/0/%d", index), bytes.Repeat([]byte{0x42}, 32), nil, nil
}

func setupRepo(t *testing.T) (*gorm.DB, *Repository, *countingDeriver) {
	db := setupTestDB(t)
	cipher, err := NewKeyCipher(bytes.Repeat([]byte("k"), KeySize))
	require.NoError(t, err)
	deriver := &countingDeriver{seed: uuid.NewString()[:8]}
	return db, NewRepository(db, cipher, deriver), deriver
}

func TestAssignClaimsFromPool(t *testing.T) {
	db, repo, deriver := setupRepo(t)
	ctx := context.Background()
	userID := uuid.New()

	// 预派生的池内钱包 (user_id NULL)
	pooled := &Wallet{
		ID:           uuid.New(),
		Chain:        chain.ChainBTC,
		Address:      fmt.Sprintf("pool-%s", uuid.New()),
		EncryptedKey: []byte("x"),
		AddressIndex: 0,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, db.Create(pooled).Error)
	t.Cleanup(func() {
		db.Exec("DELETE FROM wallets WHERE id = ? OR user_id = ?", pooled.ID, userID)
	})

	w, err := repo.Assign(ctx, userID, chain.ChainBTC)
	require.NoError(t, err)
	assert.Equal(t, pooled.ID, w.ID)
	require.NotNil(t, w.UserID)
	assert.Equal(t, userID, *w.UserID)
	assert.Equal(t, 0, deriver.calls, "pool claim must not derive")

	// 重放安全: 再次分配返回同一钱包
	again, err := repo.Assign(ctx, userID, chain.ChainBTC)
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID)
}

func TestAssignDerivesWhenPoolEmpty(t *testing.T) {
	db, repo, deriver := setupRepo(t)
	ctx := context.Background()
	u1, u2 := uuid.New(), uuid.New()
	t.Cleanup(func() {
		db.Exec("DELETE FROM wallets WHERE user_id IN ?", []uuid.UUID{u1, u2})
	})

	w1, err := repo.Assign(ctx, u1, chain.ChainSOL)
	require.NoError(t, err)
	w2, err := repo.Assign(ctx, u2, chain.ChainSOL)
	require.NoError(t, err)

	assert.Equal(t, 2, deriver.calls)
	assert.NotEqual(t, w1.Address, w2.Address)
	// 计数器单调: 索引递增
	assert.Equal(t, w1.AddressIndex+1, w2.AddressIndex)
}

func TestAssignedKeyRoundTrips(t *testing.T) {
	db, repo, _ := setupRepo(t)
	ctx := context.Background()
	userID := uuid.New()
	t.Cleanup(func() {
		db.Exec("DELETE FROM wallets WHERE user_id = ?", userID)
	})

	w, err := repo.Assign(ctx, userID, chain.ChainETH)
	require.NoError(t, err)

	// 落库的是密文，解密能还原派生私钥
	assert.NotEqual(t, bytes.Repeat([]byte{0x42}, 32), w.EncryptedKey)
	priv, err := repo.DecryptKey(w)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x42}, 32), priv)
	Zero(priv)
}
