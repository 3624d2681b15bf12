package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"kms-connect/backend/config"
	"kms-connect/backend/internal/delivery"
	"kms-connect/backend/internal/model"
	"kms-connect/backend/internal/recipient"
	"kms-connect/backend/internal/repository"
	pkgerrors "kms-connect/backend/pkg/errors"
)

// ── Mock UserRepository ──

type mockUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: make(map[string]*model.User)}
}

func (m *mockUserRepo) add(id, email, role string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = &model.User{UserID: id, Email: email, FullName: email, Role: role, IsActive: active}
}

func (m *mockUserRepo) GetByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockUserRepo) CountRecipients(ctx context.Context, spec recipient.Spec) (int64, error) {
	ids, err := m.ListRecipientIDs(ctx, spec)
	return int64(len(ids)), err
}

// ListRecipientIDs 仅模拟 all / roles / users 与 filters.role
func (m *mockUserRepo) ListRecipientIDs(_ context.Context, spec recipient.Spec) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match := func(u *model.User) bool { return true }
	switch sp := spec.(type) {
	case recipient.ByRoles:
		match = func(u *model.User) bool { return containsString(sp.Roles, u.Role) }
	case recipient.ByUserIDs:
		match = func(u *model.User) bool { return containsString(sp.UserIDs, u.UserID) }
	case recipient.ByFilters:
		match = func(u *model.User) bool { return sp.Filters.Role == nil || *sp.Filters.Role == u.Role }
	}

	ids := make([]string, 0)
	for _, u := range m.users {
		if u.IsActive && match(u) {
			ids = append(ids, u.UserID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ── Mock BroadcastRepository ──

type mockBroadcastRepo struct {
	mu         sync.Mutex
	broadcasts map[string]*model.Broadcast
	seq        int
}

func newMockBroadcastRepo() *mockBroadcastRepo {
	return &mockBroadcastRepo{broadcasts: make(map[string]*model.Broadcast)}
}

func (m *mockBroadcastRepo) Create(_ context.Context, b *model.Broadcast) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.BroadcastID == "" {
		m.seq++
		b.BroadcastID = "00000000-0000-0000-0000-" + padSeq(m.seq)
	}
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	cp := *b
	m.broadcasts[b.BroadcastID] = &cp
	return nil
}

func (m *mockBroadcastRepo) GetByID(_ context.Context, id string) (*model.Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.broadcasts[id]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockBroadcastRepo) List(_ context.Context, filter repository.BroadcastFilter) ([]model.Broadcast, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []model.Broadcast
	for _, b := range m.broadcasts {
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		list = append(list, *b)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].BroadcastID > list[j].BroadcastID })
	total := int64(len(list))
	if filter.Offset >= len(list) {
		return []model.Broadcast{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if filter.Limit <= 0 || end > len(list) {
		end = len(list)
	}
	return list[filter.Offset:end], total, nil
}

func (m *mockBroadcastRepo) Update(_ context.Context, b *model.Broadcast) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.broadcasts[b.BroadcastID]
	if !ok || cur.Version != b.Version || cur.Status != model.BroadcastStatusDraft {
		return pkgerrors.ErrOptimisticLock
	}
	b.Version++
	b.UpdatedAt = time.Now()
	cp := *b
	m.broadcasts[b.BroadcastID] = &cp
	return nil
}

func (m *mockBroadcastRepo) StartSending(_ context.Context, id string, version int, dueBy *time.Time, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok || b.Status != model.BroadcastStatusDraft || b.Version != version {
		return pkgerrors.ErrStateConflict
	}
	if dueBy != nil && (b.ScheduledAt == nil || b.ScheduledAt.After(*dueBy)) {
		return pkgerrors.ErrStateConflict
	}
	b.Status = model.BroadcastStatusSending
	b.SendingStartedAt = &at
	b.Version++
	return nil
}

func (m *mockBroadcastRepo) TransitionStatus(_ context.Context, id, from, to string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok || b.Status != from {
		return pkgerrors.ErrStateConflict
	}
	b.Status = to
	b.Version++
	switch to {
	case model.BroadcastStatusSending:
		b.SendingStartedAt = &at
	case model.BroadcastStatusSent:
		b.SentAt = &at
	}
	return nil
}

func (m *mockBroadcastRepo) MarkMaterialized(_ context.Context, id string, total int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.broadcasts[id]; ok {
		b.TotalRecipients = total
		b.MaterializedAt = &at
	}
	return nil
}

func (m *mockBroadcastRepo) ListDueScheduled(_ context.Context, now time.Time, limit int) ([]model.Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []model.Broadcast
	for _, b := range m.broadcasts {
		if b.Status == model.BroadcastStatusDraft && b.ScheduledAt != nil && !b.ScheduledAt.After(now) {
			list = append(list, *b)
		}
	}
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *mockBroadcastRepo) ListByStatus(_ context.Context, status string) ([]model.Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []model.Broadcast
	for _, b := range m.broadcasts {
		if b.Status == status {
			list = append(list, *b)
		}
	}
	return list, nil
}

func (m *mockBroadcastRepo) status(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcasts[id].Status
}

// ── Mock NotificationRepository ──

type mockNotificationRepo struct {
	mu            sync.Mutex
	notifications map[string]*model.Notification
	users         *mockUserRepo
	// afterCount 在 CountUnread 读取完成、返回之前执行
	afterCount func()
}

func newMockNotificationRepo(users *mockUserRepo) *mockNotificationRepo {
	return &mockNotificationRepo{notifications: make(map[string]*model.Notification), users: users}
}

func (m *mockNotificationRepo) Create(_ context.Context, n *model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.CreatedAt, n.UpdatedAt = time.Now(), time.Now()
	cp := *n
	m.notifications[n.NotificationID] = &cp
	return nil
}

func (m *mockNotificationRepo) BatchUpsert(_ context.Context, rows []model.Notification, _ int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var inserted int64
	for _, r := range rows {
		if m.existsLocked(r.BroadcastID, r.UserID) {
			continue
		}
		r.CreatedAt, r.UpdatedAt = time.Now(), time.Now()
		cp := r
		m.notifications[r.NotificationID] = &cp
		inserted++
	}
	return inserted, nil
}

func (m *mockNotificationRepo) existsLocked(broadcastID *string, userID string) bool {
	if broadcastID == nil {
		return false
	}
	for _, n := range m.notifications {
		if n.BroadcastID != nil && *n.BroadcastID == *broadcastID && n.UserID == userID {
			return true
		}
	}
	return false
}

func (m *mockNotificationRepo) GetByIDForUser(_ context.Context, id, userID string) (*model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[id]; ok && n.UserID == userID && n.InApp {
		cp := *n
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockNotificationRepo) ListByUser(_ context.Context, userID string, filter repository.NotificationFilter) ([]model.Notification, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []model.Notification
	for _, n := range m.notifications {
		if n.UserID != userID || !n.InApp {
			continue
		}
		if filter.IsRead != nil && n.IsRead != *filter.IsRead {
			continue
		}
		if filter.Category != "" && n.Category != filter.Category {
			continue
		}
		list = append(list, *n)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].NotificationID > list[j].NotificationID })
	return list, int64(len(list)), nil
}

func (m *mockNotificationRepo) MarkRead(_ context.Context, id, userID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.UserID != userID || !n.InApp {
		return false, gorm.ErrRecordNotFound
	}
	if n.IsRead {
		return false, nil
	}
	n.IsRead = true
	n.ReadAt = &at
	return true, nil
}

func (m *mockNotificationRepo) MarkAllRead(_ context.Context, userID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var updated int64
	for _, n := range m.notifications {
		if n.UserID == userID && n.InApp && !n.IsRead {
			n.IsRead = true
			n.ReadAt = &at
			updated++
		}
	}
	return updated, nil
}

func (m *mockNotificationRepo) CountUnread(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	var count int64
	for _, n := range m.notifications {
		if n.UserID == userID && n.InApp && !n.IsRead {
			count++
		}
	}
	hook := m.afterCount
	m.afterCount = nil
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return count, nil
}

func (m *mockNotificationRepo) pendingLocked(n *model.Notification) []model.PendingDelivery {
	var pairs []model.PendingDelivery
	email := ""
	if u, ok := m.users.users[n.UserID]; ok {
		email = u.Email
	}
	for _, ch := range []model.Channel{model.ChannelEmail, model.ChannelPush} {
		if n.ChannelStatus(ch) != model.DeliveryPending {
			continue
		}
		attempts := n.EmailAttempts
		if ch == model.ChannelPush {
			attempts = n.PushAttempts
		}
		pairs = append(pairs, model.PendingDelivery{
			NotificationID: n.NotificationID,
			BroadcastID:    n.BroadcastID,
			UserID:         n.UserID,
			Email:          email,
			Channel:        ch,
			Attempts:       attempts,
			Title:          n.Title,
			Body:           n.Body,
			Category:       n.Category,
			Priority:       n.Priority,
			ActionURL:      n.ActionURL,
			ActionLabel:    n.ActionLabel,
		})
	}
	return pairs
}

func (m *mockNotificationRepo) ListPendingDeliveries(_ context.Context, broadcastID, after string, limit int) ([]model.PendingDelivery, string, error) {
	m.users.mu.Lock()
	defer m.users.mu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, n := range m.notifications {
		if n.BroadcastID != nil && *n.BroadcastID == broadcastID && id > after && len(m.pendingLocked(n)) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	next := ""
	if len(ids) > limit {
		ids = ids[:limit]
		next = ids[len(ids)-1]
	}
	var pairs []model.PendingDelivery
	for _, id := range ids {
		pairs = append(pairs, m.pendingLocked(m.notifications[id])...)
	}
	return pairs, next, nil
}

func (m *mockNotificationRepo) ListPendingByNotification(_ context.Context, notificationID string) ([]model.PendingDelivery, error) {
	m.users.mu.Lock()
	defer m.users.mu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[notificationID]; ok {
		return m.pendingLocked(n), nil
	}
	return nil, nil
}

func (m *mockNotificationRepo) MarkChannelResult(_ context.Context, o model.DeliveryOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[o.NotificationID]
	if !ok || n.ChannelStatus(o.Channel) != model.DeliveryPending {
		return nil
	}
	status := model.DeliveryFailed
	if o.Sent {
		status = model.DeliverySent
	}
	switch o.Channel {
	case model.ChannelEmail:
		n.EmailStatus, n.EmailSent, n.EmailAttempts, n.EmailError = status, o.Sent, o.Attempts, o.Error
		if o.Sent {
			n.EmailSentAt = &o.At
		}
	case model.ChannelPush:
		n.PushStatus, n.PushSent, n.PushAttempts, n.PushError = status, o.Sent, o.Attempts, o.Error
		if o.Sent {
			n.PushSentAt = &o.At
		}
	}
	return nil
}

func (m *mockNotificationRepo) CountPendingByBroadcast(_ context.Context, broadcastID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, n := range m.notifications {
		if n.BroadcastID == nil || *n.BroadcastID != broadcastID {
			continue
		}
		if n.EmailStatus == model.DeliveryPending || n.PushStatus == model.DeliveryPending {
			count++
		}
	}
	return count, nil
}

func (m *mockNotificationRepo) SummaryByBroadcast(_ context.Context, broadcastID string) (*model.DeliverySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := &model.DeliverySummary{}
	add := func(cs *model.ChannelSummary, status string) {
		switch status {
		case model.DeliveryPending:
			cs.Pending++
		case model.DeliverySent:
			cs.Sent++
		case model.DeliveryFailed:
			cs.Failed++
		}
	}
	for _, n := range m.notifications {
		if n.BroadcastID == nil || *n.BroadcastID != broadcastID {
			continue
		}
		sum.Total++
		if n.IsRead {
			sum.Read++
		}
		add(&sum.Email, n.EmailStatus)
		add(&sum.Push, n.PushStatus)
	}
	return sum, nil
}

func (m *mockNotificationRepo) ListDeliveryReport(_ context.Context, broadcastID string) ([]model.DeliveryReportRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []model.DeliveryReportRow
	for _, n := range m.notifications {
		if n.BroadcastID == nil || *n.BroadcastID != broadcastID {
			continue
		}
		rows = append(rows, model.DeliveryReportRow{
			NotificationID: n.NotificationID,
			UserID:         n.UserID,
			IsRead:         n.IsRead,
			EmailStatus:    n.EmailStatus,
			PushStatus:     n.PushStatus,
			CreatedAt:      n.CreatedAt,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UserID < rows[j].UserID })
	return rows, nil
}

func (m *mockNotificationRepo) byBroadcast(broadcastID string) []model.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []model.Notification
	for _, n := range m.notifications {
		if n.BroadcastID != nil && *n.BroadcastID == broadcastID {
			list = append(list, *n)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
	return list
}

// ── Mock Dispatcher ──

// mockDispatcher 记录提交的任务；reporter 非空时同步回报 result
type mockDispatcher struct {
	mu       sync.Mutex
	jobs     []delivery.Job
	reporter delivery.Reporter
	result   delivery.Result
	err      error
}

func (d *mockDispatcher) Submit(ctx context.Context, job delivery.Job) error {
	d.mu.Lock()
	if d.err != nil {
		d.mu.Unlock()
		return d.err
	}
	d.jobs = append(d.jobs, job)
	reporter, result := d.reporter, d.result
	d.mu.Unlock()

	if reporter != nil {
		job.Attempt++
		reporter.Report(ctx, job, result)
	}
	return nil
}

func (d *mockDispatcher) submitted() []delivery.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivery.Job(nil), d.jobs...)
}

// ── 测试辅助 ──

type testEnv struct {
	repo          *repository.Repository
	users         *mockUserRepo
	broadcasts    *mockBroadcastRepo
	notifications *mockNotificationRepo
	dispatcher    *mockDispatcher
	cfg           *config.Config
}

func newTestEnv() *testEnv {
	users := newMockUserRepo()
	broadcasts := newMockBroadcastRepo()
	notifications := newMockNotificationRepo(users)
	return &testEnv{
		repo: &repository.Repository{
			User:         users,
			Broadcast:    broadcasts,
			Notification: notifications,
		},
		users:         users,
		broadcasts:    broadcasts,
		notifications: notifications,
		dispatcher:    &mockDispatcher{},
		cfg: &config.Config{
			Delivery: config.DeliveryConfig{InsertBatchSize: 2},
			Cache:    config.CacheConfig{UnreadTTL: time.Minute},
		},
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func padSeq(n int) string {
	s := "000000000000"
	d := []byte(s)
	for i := len(d) - 1; i >= 0 && n > 0; i-- {
		d[i] = byte('0' + n%10)
		n /= 10
	}
	return string(d)
}
