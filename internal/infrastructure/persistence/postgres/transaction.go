package postgres

import (
	"context"
	"database/sql"

	"gorm.io/gorm"

	"ai-billing-api/internal/domain/repository"
)

type txKey struct{}

// TxManager 把事务句柄放进 context，仓储经 Client.conn 自动加入
type TxManager struct {
	client *Client
}

func NewTxManager(client *Client) *TxManager {
	return &TxManager{client: client}
}

// WithTransaction fn 返回错误时回滚；嵌套调用沿用外层事务
func (m *TxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return m.client.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	}, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

// conn 返回当前 context 对应的连接
func (c *Client) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return c.db.WithContext(ctx)
}

var _ repository.Transactor = (*TxManager)(nil)
