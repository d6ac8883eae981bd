package collector

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"attribution/delivery"
	"attribution/json"

	"go.uber.org/zap"
)

const (
	KindInstall = "install"
	KindTrack   = "track"

	// MaxTimestampDrift bounds how far a client collected_at may be from the
	// server clock before it is replaced by the receive time.
	MaxTimestampDrift = 5 * time.Minute

	maxFilesPerDay = 10000
)

// Record is one accepted event as stored by the collector.
type Record struct {
	ID          string                   `json:"id"`
	ProjectID   string                   `json:"project_id"`
	Kind        string                   `json:"kind"`
	EventType   string                   `json:"event_type"`
	ShortLink   string                   `json:"shortlink,omitempty"`
	Referrer    string                   `json:"referrer,omitempty"`
	DeviceID    string                   `json:"device_id,omitempty"`
	SessionID   string                   `json:"session_id,omitempty"`
	ClientIP    string                   `json:"client_ip"`
	UserAgent   string                   `json:"user_agent,omitempty"`
	Matched     bool                     `json:"matched,omitempty"`
	CollectedAt time.Time                `json:"collected_at"`
	ReceivedAt  time.Time                `json:"received_at"`
	Install     *delivery.InstallRequest `json:"install,omitempty"`
	Capture     *delivery.CaptureEvent   `json:"capture,omitempty"`
}

// correctedTime converts a client epoch-millis timestamp, falling back to
// now when it is missing or drifts more than MaxTimestampDrift.
func correctedTime(millis int64, now time.Time, log *zap.Logger) time.Time {
	if millis <= 0 {
		return now
	}
	ts := time.UnixMilli(millis).UTC()
	drift := ts.Sub(now)
	if drift > MaxTimestampDrift || drift < -MaxTimestampDrift {
		log.Debug("collector: timestamp drift corrected",
			zap.Duration("drift", drift),
			zap.Time("original", ts),
			zap.Time("corrected", now),
		)
		return now
	}
	return ts
}

// archive writes records to <dir>/<project>/<YYYYMMDD>/<id>.json, dated by
// receive time.
type archive struct {
	dir string
	log *zap.Logger
}

func (a *archive) save(rec Record) error {
	path := filepath.Join(a.dir, rec.ProjectID, rec.ReceivedAt.UTC().Format("20060102"), rec.ID+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directories for %s: %w", path, err)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("save record to %s: %w", path, err)
	}
	return nil
}

// since scans every day directory from startMinutes up to now.
func (a *archive) since(projectID string, startMinutes int64, now time.Time) ([]Record, error) {
	start := fromMinutesSinceEpoch(startMinutes)
	out := make([]Record, 0)
	end := now.UTC().Truncate(24 * time.Hour)
	for day := start.Truncate(24 * time.Hour); !day.After(end); day = day.Add(24 * time.Hour) {
		recs, err := a.day(projectID, day, startMinutes)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (a *archive) day(projectID string, day time.Time, startMinutes int64) ([]Record, error) {
	dir := filepath.Join(a.dir, projectID, day.Format("20060102"))
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}
	if len(files) > maxFilesPerDay {
		return nil, fmt.Errorf("too many records in %s, narrow the time range", dir)
	}

	var out []Record
	for _, f := range files {
		if !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			a.log.Warn("collector: read record", zap.String("file", f.Name()), zap.Error(err))
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			a.log.Warn("collector: decode record", zap.String("file", f.Name()), zap.Error(err))
			continue
		}
		if toMinutesSinceEpoch(rec.ReceivedAt) >= startMinutes {
			out = append(out, rec)
		}
	}
	return out, nil
}
