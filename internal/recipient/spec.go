// Package recipient 定义广播接收人规则（tagged union），负责解析、校验与规范化序列化。
//
// 线上格式：
//
//	{"type":"all"}
//	{"type":"roles","roles":["APPLICANT"]}
//	{"type":"users","user_ids":["..."]}
//	{"type":"filters","filters":{"verification_status":"ACCEPTED","region_code":"31"}}
//
// 规则在创建广播时解析一次，存储规范化后的 JSON，发送时不再做临时解释。
package recipient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"kms-connect/backend/internal/model"
)

// MaxUserIDs ByUserIDs 允许的最大用户数
const MaxUserIDs = 10000

// Kind 规则类型
type Kind string

const (
	KindAll     Kind = "all"
	KindRoles   Kind = "roles"
	KindUsers   Kind = "users"
	KindFilters Kind = "filters"
)

// Spec 接收人规则，具体类型为 All / ByRoles / ByUserIDs / ByFilters 之一
type Spec interface {
	Kind() Kind
	// RequiresNonEmpty 解析结果为空时是否禁止发送
	RequiresNonEmpty() bool
	isSpec()
}

// All 全部有效用户
type All struct{}

// ByRoles 指定角色的用户并集
type ByRoles struct {
	Roles []string
}

// ByUserIDs 指定用户；已不存在或失效的用户在解析时静默剔除
type ByUserIDs struct {
	UserIDs []string
}

// ByFilters 基于用户/申请人资料的结构化条件
type ByFilters struct {
	Filters Filters
}

func (All) Kind() Kind       { return KindAll }
func (ByRoles) Kind() Kind   { return KindRoles }
func (ByUserIDs) Kind() Kind { return KindUsers }
func (ByFilters) Kind() Kind { return KindFilters }

func (All) RequiresNonEmpty() bool       { return false }
func (ByRoles) RequiresNonEmpty() bool   { return false }
func (ByUserIDs) RequiresNonEmpty() bool { return true }
func (ByFilters) RequiresNonEmpty() bool { return true }

func (All) isSpec()       {}
func (ByRoles) isSpec()   {}
func (ByUserIDs) isSpec() {}
func (ByFilters) isSpec() {}

// ── 校验错误 ──

// ValidationError 规则校验失败，Field 指向出错的 JSON 字段
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("接收人规则无效: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// AsValidationError 提取 ValidationError
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// ── 解析 ──

type wireSpec struct {
	Type    Kind            `json:"type"`
	Roles   []string        `json:"roles,omitempty"`
	UserIDs []string        `json:"user_ids,omitempty"`
	Filters json.RawMessage `json:"filters,omitempty"`
}

// Parse 解析并校验线上格式的接收人规则，未知字段一律拒绝
func Parse(raw []byte) (Spec, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, invalid("recipient_spec", "不能为空")
	}

	var w wireSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return nil, invalid("recipient_spec", "格式错误: %v", err)
	}
	// 只允许单个 JSON 对象，尾随空白之外的内容一律拒绝
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, invalid("recipient_spec", "包含多余数据")
	}

	if w.Type != KindRoles && w.Roles != nil {
		return nil, invalid("roles", "仅适用于 type=roles")
	}
	if w.Type != KindUsers && w.UserIDs != nil {
		return nil, invalid("user_ids", "仅适用于 type=users")
	}
	if w.Type != KindFilters && w.Filters != nil {
		return nil, invalid("filters", "仅适用于 type=filters")
	}

	switch w.Type {
	case KindAll:
		return All{}, nil
	case KindRoles:
		return parseRoles(w.Roles)
	case KindUsers:
		return parseUserIDs(w.UserIDs)
	case KindFilters:
		return parseFilters(w.Filters)
	case "":
		return nil, invalid("type", "不能为空")
	default:
		return nil, invalid("type", "不支持的类型 %q", w.Type)
	}
}

func parseRoles(roles []string) (Spec, error) {
	if len(roles) == 0 {
		return nil, invalid("roles", "至少选择一个角色")
	}
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.ToUpper(strings.TrimSpace(r))
		if !ValidRole(r) {
			return nil, invalid("roles", "不支持的角色 %q", r)
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return ByRoles{Roles: out}, nil
}

// parseUserIDs 空列表在此处合法，发送时才以 EmptyRecipients 拒绝
func parseUserIDs(ids []string) (Spec, error) {
	if len(ids) > MaxUserIDs {
		return nil, invalid("user_ids", "最多 %d 个用户", MaxUserIDs)
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for i, raw := range ids {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, invalid(fmt.Sprintf("user_ids[%d]", i), "不是合法的 UUID")
		}
		s := id.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return ByUserIDs{UserIDs: out}, nil
}

func parseFilters(raw json.RawMessage) (Spec, error) {
	if len(raw) == 0 {
		return nil, invalid("filters", "不能为空")
	}
	var f Filters
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, invalid("filters", "包含不支持的条件或格式错误: %v", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return ByFilters{Filters: f}, nil
}

// ValidRole 是否为已知用户角色
func ValidRole(role string) bool {
	switch role {
	case model.RoleAdmin, model.RoleStaff, model.RoleCompany, model.RoleApplicant:
		return true
	}
	return false
}

// ── 序列化 ──

// Marshal 输出规范化的线上格式，用于持久化
func Marshal(spec Spec) ([]byte, error) {
	switch s := spec.(type) {
	case All:
		return json.Marshal(struct {
			Type Kind `json:"type"`
		}{KindAll})
	case ByRoles:
		return json.Marshal(struct {
			Type  Kind     `json:"type"`
			Roles []string `json:"roles"`
		}{KindRoles, s.Roles})
	case ByUserIDs:
		ids := s.UserIDs
		if ids == nil {
			ids = []string{}
		}
		return json.Marshal(struct {
			Type    Kind     `json:"type"`
			UserIDs []string `json:"user_ids"`
		}{KindUsers, ids})
	case ByFilters:
		return json.Marshal(struct {
			Type    Kind    `json:"type"`
			Filters Filters `json:"filters"`
		}{KindFilters, s.Filters})
	default:
		return nil, fmt.Errorf("未知的接收人规则类型 %T", spec)
	}
}
