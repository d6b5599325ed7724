package services

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/dormwatch/dorm-power/backend/models"
)

// RoomUsage is one room's aggregated consumption over the report window.
type RoomUsage struct {
	Room        string
	Category    models.MeterCategory
	FirstKWh    float64
	LastKWh     float64
	MinKWh      float64
	Samples     int
	LastBalance string
}

// Consumed estimates energy used over the window. Prepaid meters count down,
// so consumption is first minus last, plus any top-up dip below the minimum.
func (u RoomUsage) Consumed() float64 {
	c := u.FirstKWh - u.LastKWh
	if c < 0 {
		c = u.FirstKWh - u.MinKWh
	}
	return c
}

// SampleStore is the persistence surface the reporter needs.
type SampleStore interface {
	RecordSamples(rooms []models.RoomRecord, at time.Time) error
	UsageSince(since time.Time) ([]RoomUsage, error)
	ReportSchedule() (enabled bool, weekday, hour int)
	LastReportSent() (time.Time, bool)
	SetLastReportSent(t time.Time) error
}

// Reporter records per-cycle samples and mails a weekly usage digest with an
// attached PDF written to the data directory.
type Reporter struct {
	store    SampleStore
	notifier Notifier
	dataDir  string
	stop     chan struct{}
}

func NewReporter(store SampleStore, notifier Notifier, dataDir string) *Reporter {
	return &Reporter{
		store:    store,
		notifier: notifier,
		dataDir:  dataDir,
		stop:     make(chan struct{}),
	}
}

// RecordSamples implements SampleSink.
func (r *Reporter) RecordSamples(rooms []models.RoomRecord, at time.Time) {
	if err := r.store.RecordSamples(rooms, at); err != nil {
		log.Printf("[REPORT] Recording samples failed: %v", err)
	}
}

// Start runs the schedule check loop. Blocks; run in a goroutine.
func (r *Reporter) Start() {
	log.Println("[REPORT] Scheduler started")
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			log.Println("[REPORT] Scheduler stopped")
			return
		case now := <-ticker.C:
			r.maybeSendWeekly(now)
		}
	}
}

func (r *Reporter) Stop() {
	close(r.stop)
}

// maybeSendWeekly fires the report when the configured weekday and hour come
// around. The two-hour guard stops a restart inside the send window from
// mailing twice.
func (r *Reporter) maybeSendWeekly(now time.Time) {
	enabled, weekday, hour := r.store.ReportSchedule()
	if !enabled {
		return
	}
	if int(now.Weekday()) != weekday || now.Hour() != hour || now.Minute() > 1 {
		return
	}
	if last, ok := r.store.LastReportSent(); ok && now.Sub(last) < 2*time.Hour {
		return
	}

	if err := r.SendUsageReport(); err != nil {
		log.Printf("[REPORT] Weekly report failed: %v", err)
		return
	}
	if err := r.store.SetLastReportSent(now); err != nil {
		log.Printf("[REPORT] Recording report timestamp failed: %v", err)
	}
}

// SendUsageReport builds the 7-day usage PDF and mails the digest to the
// default recipients.
func (r *Reporter) SendUsageReport() error {
	usage, err := r.store.UsageSince(time.Now().AddDate(0, 0, -7))
	if err != nil {
		return fmt.Errorf("load usage: %w", err)
	}
	if len(usage) == 0 {
		log.Println("[REPORT] No samples in the last 7 days, skipping report")
		return nil
	}

	sort.Slice(usage, func(i, j int) bool { return usage[i].Consumed() > usage[j].Consumed() })

	path, err := r.writePDF(usage)
	if err != nil {
		log.Printf("[REPORT] PDF generation failed, sending text only: %v", err)
	} else {
		log.Printf("[REPORT] Usage report written to %s", path)
	}

	var b strings.Builder
	b.WriteString("过去7天用电情况:\n\n")
	for _, u := range usage {
		b.WriteString(fmt.Sprintf("🏠 %s: 用电 %.2f度 (剩余 %.2f度 / %s元, %d 个采样)\n",
			u.Room, u.Consumed(), u.LastKWh, u.LastBalance, u.Samples))
	}
	if path != "" {
		b.WriteString("\n报表文件: " + filepath.Base(path) + " (可在管理后台下载)\n")
	}

	return r.notifier.Send("📊 每周用电报表", b.String(), nil)
}

// writePDF renders the usage table. CJK room names need the bundled font
// under <dataDir>/fonts; without it the table falls back to Helvetica and
// non-Latin glyphs degrade.
func (r *Reporter) writePDF(usage []RoomUsage) (string, error) {
	if err := os.MkdirAll(r.dataDir, 0o755); err != nil {
		return "", err
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	font := "Helvetica"
	fontPath := filepath.Join(r.dataDir, "fonts", "NotoSansSC-Regular.ttf")
	if _, err := os.Stat(fontPath); err == nil {
		pdf.AddUTF8Font("noto", "", fontPath)
		font = "noto"
	}

	pdf.AddPage()
	pdf.SetFont(font, "", 16)
	pdf.Cell(0, 10, "Weekly Electricity Usage")
	pdf.Ln(12)
	pdf.SetFont(font, "", 10)
	pdf.Cell(0, 6, "Window: last 7 days, generated "+time.Now().Format("2006-01-02 15:04"))
	pdf.Ln(10)

	headers := []string{"Room", "Used (kWh)", "Remaining (kWh)", "Balance", "Samples"}
	widths := []float64{60, 30, 35, 30, 25}
	pdf.SetFillColor(230, 230, 230)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 8, h, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	for _, u := range usage {
		pdf.CellFormat(widths[0], 7, u.Room, "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 7, fmt.Sprintf("%.2f", u.Consumed()), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[2], 7, fmt.Sprintf("%.2f", u.LastKWh), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[3], 7, u.LastBalance, "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[4], 7, fmt.Sprintf("%d", u.Samples), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	path := filepath.Join(r.dataDir, "usage-report-"+time.Now().Format("20060102")+".pdf")
	if err := pdf.OutputFileAndClose(path); err != nil {
		return "", err
	}
	return path, nil
}

// LatestReportPath returns the newest generated report, or "" when none
// exists yet.
func (r *Reporter) LatestReportPath() string {
	matches, err := filepath.Glob(filepath.Join(r.dataDir, "usage-report-*.pdf"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[len(matches)-1]
}
