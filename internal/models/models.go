package models

import "time"

const (
	RoleAdmin    = "admin"
	RoleSubAdmin = "sub_admin"
	RoleMember   = "member"

	MessageTypeText = "text"
)

type User struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Phone        string     `gorm:"uniqueIndex;size:32;not null" json:"phone"`
	PasswordHash string     `gorm:"not null" json:"-"`
	Name         string     `gorm:"size:64;not null" json:"name"`
	Role         string     `gorm:"size:16;not null;default:member" json:"role"`
	IsApproved   bool       `gorm:"not null;default:false" json:"is_approved"`
	ExpiryDate   *time.Time `json:"expiry_date"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"-"`
}

// IsStaff 报告用户是否为 admin 或 sub_admin。
func (u User) IsStaff() bool {
	return u.Role == RoleAdmin || u.Role == RoleSubAdmin
}

// MembershipExpired 只对 member 生效，staff 账号没有有效期。
func (u User) MembershipExpired(now time.Time) bool {
	return u.Role == RoleMember && u.ExpiryDate != nil && u.ExpiryDate.Before(now)
}

type Room struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:128;not null" json:"name"`
	RoomType    string    `gorm:"size:32;not null" json:"room_type"`
	IsFree      bool      `gorm:"index;not null;default:false" json:"is_free"`
	Description *string   `json:"description"`
	Price       *int      `json:"price"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"-"`
}

type Message struct {
	ID          uint      `gorm:"primaryKey"`
	RoomID      uint      `gorm:"index:idx_msg_room_created;not null"`
	UserID      *uint     `gorm:"index"`
	Content     string    `gorm:"type:text;not null"`
	MessageType string    `gorm:"type:text;not null;default:text"`
	CreatedAt   time.Time `gorm:"index:idx_msg_room_created"`
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
