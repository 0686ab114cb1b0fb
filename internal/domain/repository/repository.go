// Package repository 定义数据访问层接口
package repository

import (
	"context"
	"errors"
)

// 存储实现返回的哨兵错误，调用方用 errors.Is 判断
var (
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict 账户版本已变化，重读后重试
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicate       = errors.New("duplicate record")
)

// Transactor 在同一事务中执行 fn；fn 内的仓储调用需使用传入的 ctx
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Pagination 页码从 1 开始
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// NewPagination 越界参数收敛到合法范围
func NewPagination(page, pageSize int) Pagination {
	page = max(page, 1)
	switch {
	case pageSize < 1:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}
	return Pagination{Page: page, PageSize: pageSize}
}

func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PageSize
}

func (p Pagination) Limit() int {
	return p.PageSize
}

// PagedResult 一页数据及总量
type PagedResult[T any] struct {
	Items      []T   `json:"items"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
}

func NewPagedResult[T any](items []T, total int64, p Pagination) *PagedResult[T] {
	var pages int
	if p.PageSize > 0 {
		pages = int((total + int64(p.PageSize) - 1) / int64(p.PageSize))
	}
	return &PagedResult[T]{
		Items:      items,
		Total:      total,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalPages: pages,
	}
}

// Paginate 对已排序的内存切片取一页
func Paginate[T any](all []T, p Pagination) *PagedResult[T] {
	start := min(p.Offset(), len(all))
	end := min(start+p.Limit(), len(all))
	page := make([]T, end-start)
	copy(page, all[start:end])
	return NewPagedResult(page, int64(len(all)), p)
}
