package recipient

import (
	"encoding/json"
	"strings"
	"time"

	"kms-connect/backend/internal/model"
)

// Filters ByFilters 支持的条件，全部为可选项但至少提供一个
// 新增条件需同时扩展仓储层的查询构造
type Filters struct {
	Role                   *string `json:"role,omitempty"`
	EmailVerified          *bool   `json:"email_verified,omitempty"`
	VerificationStatus     *string `json:"verification_status,omitempty"`
	RegionCode             *string `json:"region_code,omitempty"`
	JoinedAfter            *Date   `json:"joined_after,omitempty"`
	JoinedBefore           *Date   `json:"joined_before,omitempty"`
	ApplicantCreatedAfter  *Date   `json:"applicant_created_after,omitempty"`
	ApplicantCreatedBefore *Date   `json:"applicant_created_before,omitempty"`
}

// NeedsApplicantProfile 是否需要关联 applicant_profiles
func (f Filters) NeedsApplicantProfile() bool {
	return f.VerificationStatus != nil || f.RegionCode != nil ||
		f.ApplicantCreatedAfter != nil || f.ApplicantCreatedBefore != nil
}

func (f Filters) empty() bool {
	return f.Role == nil && f.EmailVerified == nil && !f.NeedsApplicantProfile() &&
		f.JoinedAfter == nil && f.JoinedBefore == nil
}

func (f *Filters) validate() error {
	if f.empty() {
		return invalid("filters", "至少提供一个条件")
	}
	if f.Role != nil {
		r := strings.ToUpper(strings.TrimSpace(*f.Role))
		if !ValidRole(r) {
			return invalid("filters.role", "不支持的角色 %q", *f.Role)
		}
		f.Role = &r
	}
	if f.VerificationStatus != nil {
		s := strings.ToUpper(strings.TrimSpace(*f.VerificationStatus))
		switch s {
		case model.VerificationDraft, model.VerificationSubmitted, model.VerificationAccepted, model.VerificationRejected:
		default:
			return invalid("filters.verification_status", "不支持的审核状态 %q", *f.VerificationStatus)
		}
		f.VerificationStatus = &s
	}
	if f.RegionCode != nil {
		rc := strings.TrimSpace(*f.RegionCode)
		if rc == "" {
			return invalid("filters.region_code", "不能为空字符串")
		}
		f.RegionCode = &rc
	}
	if f.JoinedAfter != nil && f.JoinedBefore != nil && !f.JoinedAfter.Before(f.JoinedBefore.Time) {
		return invalid("filters.joined_before", "必须晚于 joined_after")
	}
	if f.ApplicantCreatedAfter != nil && f.ApplicantCreatedBefore != nil &&
		!f.ApplicantCreatedAfter.Before(f.ApplicantCreatedBefore.Time) {
		return invalid("filters.applicant_created_before", "必须晚于 applicant_created_after")
	}
	return nil
}

// Date 接受 RFC 3339 或 YYYY-MM-DD，统一以 RFC 3339 输出
type Date struct {
	time.Time
}

// UnmarshalJSON 解析日期字符串
func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		d.Time = t.UTC()
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return invalid("filters", "日期 %q 需为 RFC 3339 或 YYYY-MM-DD", s)
	}
	d.Time = t
	return nil
}

// MarshalJSON 输出 RFC 3339
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Time.UTC().Format(time.RFC3339))
}
