// Package absencesync pulls provider absences from the hospital's HR system
// on a schedule and replaces the locally mirrored set. The engine treats the
// mirror as authoritative; staleness is bounded by the cron interval.
package absencesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/drmauij/viali/services/scheduling-service/internal/model"
	"github.com/drmauij/viali/services/scheduling-service/internal/slotcache"
)

// Store is the slice of the storage layer the syncer writes through.
type Store interface {
	ReplaceAbsencesBySource(ctx context.Context, hospitalID, sourceID string, absences []model.Absence) error
}

type Config struct {
	// Endpoint returns the absence list for one hospital as JSON. Empty
	// disables the job.
	Endpoint   string
	HospitalID string
	SourceID   string
	// Schedule is a cron expression; defaults to every 15 minutes.
	Schedule string
}

type Syncer struct {
	repo   Store
	cache  *slotcache.Cache
	logger *slog.Logger
	client *http.Client
	cfg    Config
	cron   *cron.Cron
}

func New(repo Store, cache *slotcache.Cache, logger *slog.Logger, cfg Config) *Syncer {
	if cfg.Schedule == "" {
		cfg.Schedule = "*/15 * * * *"
	}
	if cfg.SourceID == "" {
		cfg.SourceID = "hr"
	}
	return &Syncer{
		repo:   repo,
		cache:  cache,
		logger: logger,
		client: &http.Client{Timeout: 15 * time.Second},
		cfg:    cfg,
	}
}

// Start registers the cron schedule and begins running. Returns an error for
// a malformed schedule; a missing endpoint just disables the job.
func (s *Syncer) Start(ctx context.Context) error {
	if s.cfg.Endpoint == "" {
		s.logger.Warn("absence sync disabled (no endpoint configured)")
		return nil
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := s.SyncOnce(runCtx); err != nil {
			s.logger.Error("absence sync failed", "err", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Syncer) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// wireAbsence is the HR feed's record shape. Dates are civil YYYY-MM-DD,
// inclusive on both ends.
type wireAbsence struct {
	ID         string `json:"id"`
	ProviderID string `json:"providerId"`
	Type       string `json:"type"`
	StartDate  string `json:"startDate"`
	EndDate    string `json:"endDate"`
}

// SyncOnce fetches the feed and swaps the mirrored set for this source.
// Records that fail to parse are skipped with a log line; one bad row must
// not block the rest of the feed.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("absence feed returned status %d", resp.StatusCode)
	}

	var wire []wireAbsence
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return fmt.Errorf("decode absence feed: %w", err)
	}

	absences := make([]model.Absence, 0, len(wire))
	for _, w := range wire {
		start, err1 := time.Parse("2006-01-02", w.StartDate)
		end, err2 := time.Parse("2006-01-02", w.EndDate)
		if w.ProviderID == "" || err1 != nil || err2 != nil || end.Before(start) {
			s.logger.Warn("skipping malformed absence record", "id", w.ID, "provider_id", w.ProviderID)
			continue
		}
		absences = append(absences, model.Absence{
			ID:         w.ID,
			HospitalID: s.cfg.HospitalID,
			ProviderID: w.ProviderID,
			Type:       w.Type,
			StartDate:  start,
			EndDate:    end,
			SourceID:   s.cfg.SourceID,
		})
	}

	if err := s.repo.ReplaceAbsencesBySource(ctx, s.cfg.HospitalID, s.cfg.SourceID, absences); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.InvalidateHospital(s.cfg.HospitalID)
	}
	s.logger.Info("absence sync complete", "hospital_id", s.cfg.HospitalID, "count", len(absences))
	return nil
}
