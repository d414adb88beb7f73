// 文件: pkg/wallet/pool.go
// 钱包池与派生
//
// 认领顺序:
// 1. 池内认领: SELECT ... WHERE user_id IS NULL FOR UPDATE SKIP LOCKED LIMIT 1
// 2. 池空回退: wallet_counters.next_index 原子递增后现场派生
// 两条路径产出同一张表结构。

package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"maplex.com/pkg/chain"
)

var (
	ErrWalletNotFound = errors.New("wallet not found")
	ErrWalletExists   = errors.New("wallet already exists for user and chain")
)

// Deriver HD 派生能力 (外部协作者: 掌握 xpub/种子的派生服务)
type Deriver interface {
	// Derive 按链和索引派生地址与私钥
	Derive(chainName chain.Chain, index int64) (address, derivationPath string, privKey []byte, destinationTag *uint32, err error)
}

// Repository 钱包仓库
type Repository struct {
	db      *gorm.DB
	cipher  *KeyCipher
	deriver Deriver
}

// NewRepository 创建钱包仓库
func NewRepository(db *gorm.DB, cipher *KeyCipher, deriver Deriver) *Repository {
	return &Repository{db: db, cipher: cipher, deriver: deriver}
}

// =============================================================================
// 查询
// =============================================================================

// GetByUserChain 用户在某条链上的钱包
func (r *Repository) GetByUserChain(ctx context.Context, userID uuid.UUID, c chain.Chain) (*Wallet, error) {
	var w Wallet
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND chain = ?", userID, c).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListByChain 某条链上所有已分配的钱包 (充值扫描用)
func (r *Repository) ListByChain(ctx context.Context, c chain.Chain) ([]*Wallet, error) {
	var ws []*Wallet
	err := r.db.WithContext(ctx).
		Where("chain = ? AND user_id IS NOT NULL", c).
		Find(&ws).Error
	return ws, err
}

// GetByAddress 按地址查询
func (r *Repository) GetByAddress(ctx context.Context, address string) (*Wallet, error) {
	var w Wallet
	err := r.db.WithContext(ctx).Where("address = ?", address).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// =============================================================================
// 认领
// =============================================================================

// Assign 为用户分配某条链的钱包: 先认领池，再回退派生
func (r *Repository) Assign(ctx context.Context, userID uuid.UUID, c chain.Chain) (*Wallet, error) {
	var out *Wallet
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 已有钱包直接返回 (重放安全)
		var existing Wallet
		err := tx.Where("user_id = ? AND chain = ?", userID, c).First(&existing).Error
		if err == nil {
			out = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		// ===== 池内认领 =====
		claimed, err := r.claimFromPool(tx, userID, c)
		if err != nil {
			return err
		}
		if claimed != nil {
			out = claimed
			return nil
		}

		// ===== 回退派生 =====
		derived, err := r.deriveNew(tx, userID, c)
		if err != nil {
			return err
		}
		out = derived
		return nil
	})
	return out, err
}

// claimFromPool 池内认领，池空返回 (nil, nil)
func (r *Repository) claimFromPool(tx *gorm.DB, userID uuid.UUID, c chain.Chain) (*Wallet, error) {
	var w Wallet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("chain = ? AND user_id IS NULL", c).
		Order("address_index ASC").
		Limit(1).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pool wallet: %w", err)
	}

	if err := tx.Model(&Wallet{}).
		Where("id = ?", w.ID).
		Updates(map[string]any{
			"user_id":    userID,
			"updated_at": time.Now(),
		}).Error; err != nil {
		return nil, fmt.Errorf("bind pool wallet: %w", err)
	}
	w.UserID = &userID
	return &w, nil
}

// deriveNew 递增计数器并现场派生
func (r *Repository) deriveNew(tx *gorm.DB, userID uuid.UUID, c chain.Chain) (*Wallet, error) {
	// 计数器行锁保证索引单调
	var counter Counter
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("chain = ?", c).
		First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		counter = Counter{Chain: c, NextIndex: 0}
		if err := tx.Create(&counter).Error; err != nil {
			return nil, fmt.Errorf("init wallet counter: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("lock wallet counter: %w", err)
	}

	index := counter.NextIndex
	if err := tx.Model(&Counter{}).
		Where("chain = ?", c).
		Updates(map[string]any{
			"next_index": index + 1,
			"updated_at": time.Now(),
		}).Error; err != nil {
		return nil, fmt.Errorf("advance wallet counter: %w", err)
	}

	address, path, privKey, tag, err := r.deriver.Derive(c, index)
	if err != nil {
		return nil, fmt.Errorf("derive wallet: %w", err)
	}
	defer Zero(privKey)

	encrypted, err := r.cipher.Encrypt(privKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	w := &Wallet{
		ID:             uuid.New(),
		UserID:         &userID,
		Chain:          c,
		Address:        address,
		DerivationPath: path,
		DestinationTag: tag,
		EncryptedKey:   encrypted,
		AddressIndex:   index,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.Create(w).Error; err != nil {
		return nil, fmt.Errorf("insert wallet: %w", err)
	}
	return w, nil
}

// DecryptKey 解密钱包私钥 (仅提现广播器调用，用后 Zero)
func (r *Repository) DecryptKey(w *Wallet) ([]byte, error) {
	return r.cipher.Decrypt(w.EncryptedKey)
}
