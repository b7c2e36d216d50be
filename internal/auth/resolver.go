package auth

import (
	"context"
	"errors"
	"time"

	"memberchat/internal/models"

	"gorm.io/gorm"
)

// 身份解析失败的分类。HTTP 路径上 ErrUnauthenticated 映射为 401，
// ErrUnapproved / ErrExpired 映射为 403；实时连接路径上三者都降级为匿名。
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnapproved      = errors.New("account pending approval")
	ErrExpired         = errors.New("membership expired")
)

// CheckAccess 校验账号门槛：必须已审批，member 的有效期不能已过。
func CheckAccess(u models.User, now time.Time) error {
	if !u.IsApproved {
		return ErrUnapproved
	}
	if u.MembershipExpired(now) {
		return ErrExpired
	}
	return nil
}

// Resolver 把 bearer token 解析为已验证的用户。
type Resolver struct {
	db     *gorm.DB
	secret string
	now    func() time.Time
}

func NewResolver(db *gorm.DB, secret string) *Resolver {
	return &Resolver{db: db, secret: secret, now: time.Now}
}

// Resolve 返回 token 对应的用户；token 非法、过期或用户不存在时返回 ErrUnauthenticated。
func (r *Resolver) Resolve(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	claims, err := ParseAccessToken(token, r.secret)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, claims.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if err := CheckAccess(user, r.now()); err != nil {
		return nil, err
	}
	return &user, nil
}
