package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"kms-connect/backend/internal/model"
	"kms-connect/backend/internal/repository"
)

// ── 导出模块业务错误 ──

var (
	ErrExportBroadcastDraft = errors.New("广播尚未发送，暂无投递记录")
	ErrExportGenerateFail   = errors.New("生成 Excel 文件失败")
)

// ExportService 导出业务接口
//
// 导出以 bytes.Buffer 返回，由 Handler 层设置响应头后写入。
type ExportService interface {
	// ExportDeliveries 导出广播的逐人投递审计
	ExportDeliveries(ctx context.Context, broadcastID string) (*bytes.Buffer, string, error)
}

type exportService struct {
	repo   *repository.Repository
	logger *zap.Logger
}

// NewExportService 创建 ExportService 实例
func NewExportService(repo *repository.Repository, logger *zap.Logger) ExportService {
	return &exportService{repo: repo, logger: logger}
}

// deliveryColumns 投递明细表头
var deliveryColumns = []struct {
	title string
	width float64
}{
	{"ID Notifikasi", 38},
	{"ID Pengguna", 38},
	{"Email", 30},
	{"Nama", 24},
	{"Dibaca", 8},
	{"Waktu Dibaca", 22},
	{"Status Email", 12},
	{"Email Terkirim", 22},
	{"Percobaan Email", 10},
	{"Error Email", 40},
	{"Status Push", 12},
	{"Push Terkirim", 22},
	{"Percobaan Push", 10},
	{"Error Push", 40},
	{"Dibuat", 22},
}

// ════════════════════════════════════════════════════════════
// ExportDeliveries — 导出广播投递明细
// ════════════════════════════════════════════════════════════
//
// 输出格式：
//   - Sheet "Pengiriman"：第 1 行标题，第 2 行表头，每个接收人一行
//   - Sheet "Ringkasan"：按渠道汇总 pending / sent / failed

func (s *exportService) ExportDeliveries(ctx context.Context, broadcastID string) (*bytes.Buffer, string, error) {
	b, err := s.repo.Broadcast.GetByID(ctx, broadcastID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", ErrBroadcastNotFound
		}
		s.logger.Error("查询广播失败", zap.String("id", broadcastID), zap.Error(err))
		return nil, "", err
	}
	if b.IsDraft() {
		return nil, "", ErrExportBroadcastDraft
	}

	rows, err := s.repo.Notification.ListDeliveryReport(ctx, broadcastID)
	if err != nil {
		s.logger.Error("查询投递明细失败", zap.String("id", broadcastID), zap.Error(err))
		return nil, "", err
	}
	summary, err := s.repo.Notification.SummaryByBroadcast(ctx, broadcastID)
	if err != nil {
		s.logger.Error("查询投递汇总失败", zap.String("id", broadcastID), zap.Error(err))
		return nil, "", err
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Pengiriman"
	idx, _ := f.NewSheet(sheetName)
	f.SetActiveSheet(idx)
	f.DeleteSheet("Sheet1")

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "#FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})

	// 标题行
	lastCol := colName(len(deliveryColumns) - 1)
	f.SetCellValue(sheetName, "A1", fmt.Sprintf("%s (%s)", b.Title, b.Status))
	f.MergeCell(sheetName, "A1", cell(lastCol, 1))
	f.SetCellStyle(sheetName, "A1", "A1", headerStyle)

	// 表头
	for i, c := range deliveryColumns {
		col := colName(i)
		f.SetColWidth(sheetName, col, col, c.width)
		f.SetCellValue(sheetName, cell(col, 2), c.title)
	}
	f.SetCellStyle(sheetName, "A2", cell(lastCol, 2), headerStyle)

	// 数据行
	row := 3
	for _, r := range rows {
		values := []interface{}{
			r.NotificationID,
			r.UserID,
			r.Email,
			r.FullName,
			yesNo(r.IsRead),
			excelTime(r.ReadAt),
			r.EmailStatus,
			excelTime(r.EmailSentAt),
			r.EmailAttempts,
			r.EmailError,
			r.PushStatus,
			excelTime(r.PushSentAt),
			r.PushAttempts,
			r.PushError,
			excelTime(&r.CreatedAt),
		}
		for i, v := range values {
			f.SetCellValue(sheetName, cell(colName(i), row), v)
		}
		row++
	}

	s.writeSummarySheet(f, b, summary, headerStyle)

	buf := new(bytes.Buffer)
	if err := f.Write(buf); err != nil {
		s.logger.Error("写入 Excel 失败", zap.Error(err))
		return nil, "", ErrExportGenerateFail
	}

	filename := fmt.Sprintf("broadcast_%s_deliveries.xlsx", shortID(b.BroadcastID))
	return buf, filename, nil
}

func (s *exportService) writeSummarySheet(f *excelize.File, b *model.Broadcast, sum *model.DeliverySummary, headerStyle int) {
	sheetName := "Ringkasan"
	f.NewSheet(sheetName)
	f.SetColWidth(sheetName, "A", "A", 18)
	f.SetColWidth(sheetName, "B", "D", 12)

	f.SetCellValue(sheetName, "A1", "Total Penerima")
	f.SetCellValue(sheetName, "B1", sum.Total)
	f.SetCellValue(sheetName, "A2", "Dibaca")
	f.SetCellValue(sheetName, "B2", sum.Read)
	f.SetCellValue(sheetName, "A3", "Waktu Kirim")
	f.SetCellValue(sheetName, "B3", excelTime(b.SendingStartedAt))

	f.SetCellValue(sheetName, "A5", "Kanal")
	f.SetCellValue(sheetName, "B5", "Pending")
	f.SetCellValue(sheetName, "C5", "Terkirim")
	f.SetCellValue(sheetName, "D5", "Gagal")
	f.SetCellStyle(sheetName, "A5", "D5", headerStyle)

	channels := []struct {
		name string
		sum  model.ChannelSummary
	}{
		{string(model.ChannelEmail), sum.Email},
		{string(model.ChannelPush), sum.Push},
	}
	for i, ch := range channels {
		row := 6 + i
		f.SetCellValue(sheetName, cell("A", row), ch.name)
		f.SetCellValue(sheetName, cell("B", row), ch.sum.Pending)
		f.SetCellValue(sheetName, cell("C", row), ch.sum.Sent)
		f.SetCellValue(sheetName, cell("D", row), ch.sum.Failed)
	}
}

// ── 辅助函数 ──

func colName(idx int) string {
	name, _ := excelize.ColumnNumberToName(idx + 1)
	return name
}

func cell(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}

func excelTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func yesNo(v bool) string {
	if v {
		return "Ya"
	}
	return "Tidak"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
