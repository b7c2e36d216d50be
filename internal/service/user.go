package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"memberchat/internal/auth"
	"memberchat/internal/config"
	"memberchat/internal/models"

	"gorm.io/gorm"
)

// UserService 封装注册、登录、token 刷新以及管理员对账号的操作。
type UserService struct {
	db  *gorm.DB
	cfg config.Config
	now func() time.Time
}

func NewUserService(db *gorm.DB, cfg config.Config) *UserService {
	return &UserService{db: db, cfg: cfg, now: time.Now}
}

// Register 以未审批的 member 身份注册新用户。
func (s *UserService) Register(ctx context.Context, phone, name, password string) (*models.User, error) {
	return s.create(ctx, phone, name, password, models.RoleMember, false)
}

// CreateStaff 由管理员创建已审批的 sub_admin 账号。
func (s *UserService) CreateStaff(ctx context.Context, phone, name, password string) (*models.User, error) {
	return s.create(ctx, phone, name, password, models.RoleSubAdmin, true)
}

func (s *UserService) create(ctx context.Context, phone, name, password, role string, approved bool) (*models.User, error) {
	phone = auth.FormatPhone(phone)
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("phone = ?", phone).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrPhoneTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Phone: phone, Name: name, PasswordHash: hash, Role: role, IsApproved: approved}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	User         models.User
}

// Login 校验手机号和密码，通过审批与有效期检查后签发 token 对。
func (s *UserService) Login(ctx context.Context, phone, password string) (*LoginResult, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("phone = ?", auth.FormatPhone(phone)).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	if err := auth.CheckAccess(user, s.now()); err != nil {
		return nil, err
	}
	at, rt, err := s.issue(s.db.WithContext(ctx), user)
	if err != nil {
		return nil, err
	}
	return &LoginResult{AccessToken: at, RefreshToken: rt, User: user}, nil
}

func (s *UserService) issue(tx *gorm.DB, user models.User) (string, string, error) {
	at, err := auth.GenerateAccessToken(user, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return "", "", err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return "", "", err
	}
	exp := s.now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(tx, user.ID, rt, exp); err != nil {
		return "", "", err
	}
	return at, rt, nil
}

// RefreshResult 刷新 token 后返回的新 token 对。
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshTokens 验证旧 refresh token 并签发新 token 对（旋转刷新）。
// 账号在此期间被取消审批或会员到期时刷新失败。
func (s *UserService) RefreshTokens(ctx context.Context, oldRT string) (*RefreshResult, error) {
	var result RefreshResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return auth.ErrUnauthenticated
			}
			return err
		}
		var user models.User
		if err := tx.First(&user, rec.UserID).Error; err != nil {
			return auth.ErrUnauthenticated
		}
		if err := auth.CheckAccess(user, s.now()); err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			return err
		}
		at, rt, err := s.issue(tx, user)
		if err != nil {
			return err
		}
		result = RefreshResult{AccessToken: at, RefreshToken: rt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListUsers 列出用户；pendingOnly 时只返回待审批的账号。
func (s *UserService) ListUsers(ctx context.Context, pendingOnly bool) ([]models.User, error) {
	q := s.db.WithContext(ctx).Order("id asc")
	if pendingOnly {
		q = q.Where("is_approved = ?", false)
	}
	var users []models.User
	if err := q.Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (s *UserService) find(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &user, nil
}

// Approve 审批通过账号。
func (s *UserService) Approve(ctx context.Context, id uint) (*models.User, error) {
	user, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(user).Update("is_approved", true).Error; err != nil {
		return nil, err
	}
	user.IsApproved = true
	return user, nil
}

// SetExpiry 设置或清除 member 的有效期；nil 表示永久有效。
func (s *UserService) SetExpiry(ctx context.Context, id uint, expiry *time.Time) (*models.User, error) {
	user, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(user).Update("expiry_date", expiry).Error; err != nil {
		return nil, err
	}
	user.ExpiryDate = expiry
	return user, nil
}

// ChangePassword 重置用户密码。
func (s *UserService) ChangePassword(ctx context.Context, id uint, password string) error {
	user, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(user).Update("password_hash", hash).Error
}
