package model

import "time"

// 用户角色
const (
	RoleAdmin     = "ADMIN"
	RoleStaff     = "STAFF"
	RoleCompany   = "COMPANY"
	RoleApplicant = "APPLICANT"
)

// 申请人资料审核状态
const (
	VerificationDraft     = "DRAFT"
	VerificationSubmitted = "SUBMITTED"
	VerificationAccepted  = "ACCEPTED"
	VerificationRejected  = "REJECTED"
)

// User 用户表 — 对应 users（账户服务拥有，本服务只读）
type User struct {
	UserID        string    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"user_id"`
	Email         string    `gorm:"type:varchar(255);not null"                     json:"email"`
	FullName      string    `gorm:"type:varchar(255);not null;default:''"          json:"full_name"`
	Role          string    `gorm:"type:varchar(9);not null;default:'APPLICANT'"   json:"role"`
	IsActive      bool      `gorm:"not null"                                       json:"is_active"`
	EmailVerified bool      `gorm:"not null;default:false"                         json:"email_verified"`
	CreatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"             json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"             json:"updated_at"`

	// 关联
	ApplicantProfile *ApplicantProfile `gorm:"foreignKey:UserID;references:UserID" json:"applicant_profile,omitempty"`
}

// TableName 指定表名
func (User) TableName() string { return "users" }

// ApplicantProfile 申请人资料表 — 对应 applicant_profiles（与 users 1:1，只读）
type ApplicantProfile struct {
	UserID             string    `gorm:"type:uuid;primaryKey"                     json:"user_id"`
	FullName           string    `gorm:"type:varchar(255);not null;default:''"    json:"full_name"`
	VerificationStatus string    `gorm:"type:varchar(9);not null;default:'DRAFT'" json:"verification_status"`
	RegionCode         *string   `gorm:"type:varchar(20)"                         json:"region_code,omitempty"`
	CreatedAt          time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"       json:"created_at"`
	UpdatedAt          time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"       json:"updated_at"`
}

// TableName 指定表名
func (ApplicantProfile) TableName() string { return "applicant_profiles" }
