// Package dto 提供 HTTP 层数据传输对象
package dto

import (
	"strings"

	"github.com/gin-gonic/gin"

	"ai-billing-api/internal/domain/repository"
)

// maxAccountIDLen 与 accounts.id 列宽一致
const maxAccountIDLen = 64

// PageQuery 分页查询参数，缺省或越界时收敛到默认值
type PageQuery struct {
	Page     int `form:"page"`
	PageSize int `form:"page_size"`
}

// BindPage 绑定分页参数；非数字返回错误
func BindPage(c *gin.Context) (repository.Pagination, error) {
	var q PageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		return repository.Pagination{}, err
	}
	return repository.NewPagination(q.Page, q.PageSize), nil
}

// BindAccountID 读取路径参数 :id，空值或超长返回 false
func BindAccountID(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("id"))
	return id, id != "" && len(id) <= maxAccountIDLen
}
