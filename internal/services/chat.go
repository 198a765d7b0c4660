package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BerylCAtieno/upload-insights-api/internal/analyzer"
	"github.com/BerylCAtieno/upload-insights-api/internal/cache"
	"github.com/BerylCAtieno/upload-insights-api/internal/models"
	"github.com/BerylCAtieno/upload-insights-api/internal/repository"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"
)

const (
	SourcePrompt     = "prompt"
	SourceRecord     = "record"
	SourceStatistics = "statistics"
	SourceLLM        = "llm"
	SourceFallback   = "fallback"

	promptAnswer   = "Please enter a question."
	fallbackAnswer = "Sorry, an answer cannot be generated right now."
)

var recordRef = regexp.MustCompile(`(?i)\b(?:record|upload)\s*#?\s*(\d+)\b`)

type ChatService interface {
	Ask(ctx context.Context, query string) (*models.ChatResponse, error)
}

type chatService struct {
	ledger   repository.Repository
	cache    cache.Cache
	snapshot cache.SnapshotStore
	answerer analyzer.Answerer
	ttl      time.Duration
	logger   *utils.Logger
}

func NewChatService(ledger repository.Repository, c cache.Cache, snapshot cache.SnapshotStore,
	answerer analyzer.Answerer, ttl time.Duration, logger *utils.Logger) ChatService {
	return &chatService{
		ledger:   ledger,
		cache:    c,
		snapshot: snapshot,
		answerer: answerer,
		ttl:      ttl,
		logger:   logger,
	}
}

// Ask answers from cached results where it can and falls back to the LLM.
// It always produces an answer; only ledger failures are returned as errors.
func (s *chatService) Ask(ctx context.Context, query string) (*models.ChatResponse, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return &models.ChatResponse{Answer: promptAnswer, Source: SourcePrompt}, nil
	}

	if m := recordRef.FindStringSubmatch(q); m != nil {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil {
			return s.describeRecord(ctx, id)
		}
	}

	if stats, ok := s.snapshot.Latest(ctx); ok {
		if answer, ok := answerFromStats(q, stats); ok {
			return &models.ChatResponse{Answer: answer, Source: SourceStatistics}, nil
		}
	}

	return s.askLLM(ctx, q), nil
}

func (s *chatService) describeRecord(ctx context.Context, id int64) (*models.ChatResponse, error) {
	if raw, ok, err := s.cache.Get(ctx, cache.UploadKey(id)); err == nil && ok {
		return &models.ChatResponse{Answer: fmt.Sprintf("Upload #%d result: %s", id, raw), Source: SourceRecord}, nil
	} else if err != nil {
		s.logger.Warn("Cache read failed, falling back to ledger", "record_id", id, "error", err)
	}

	rec, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		s.logger.Error("Failed to get upload", "error", err, "record_id", id)
		return nil, utils.NewInternalError("Failed to retrieve upload")
	}
	if rec == nil {
		return &models.ChatResponse{Answer: fmt.Sprintf("Upload #%d was not found.", id), Source: SourceRecord}, nil
	}

	answer := fmt.Sprintf("Upload #%d (%s) is %s.", id, rec.Filename, rec.Status)
	switch {
	case len(rec.Result) > 0:
		answer = fmt.Sprintf("Upload #%d (%s) is %s: %s", id, rec.Filename, rec.Status, rec.Result)
	case rec.Error != nil:
		answer = fmt.Sprintf("Upload #%d (%s) is %s: %s", id, rec.Filename, rec.Status, rec.Error.Message)
	}
	return &models.ChatResponse{Answer: answer, Source: SourceRecord}, nil
}

// answerFromStats reports the first metric, in name order, mentioned in q.
func answerFromStats(q string, stats models.Stats) (string, bool) {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	lower := strings.ToLower(q)
	for _, name := range names {
		if strings.Contains(lower, strings.ToLower(name)) {
			return fmt.Sprintf("%s is currently %s.", name, strconv.FormatFloat(stats[name], 'f', -1, 64)), true
		}
	}
	return "", false
}

func (s *chatService) askLLM(ctx context.Context, q string) *models.ChatResponse {
	key := cache.ChatKey(q)
	var cached string
	if cache.GetJSON(ctx, s.cache, s.logger, key, &cached) {
		return &models.ChatResponse{Answer: cached, Source: SourceLLM}
	}

	if s.answerer == nil {
		return &models.ChatResponse{Answer: fallbackAnswer, Source: SourceFallback}
	}
	answer, err := s.answerer.Answer(ctx, q)
	if err != nil {
		s.logger.Error("LLM answer failed", "error", err)
		return &models.ChatResponse{Answer: fallbackAnswer, Source: SourceFallback}
	}

	_ = cache.SetJSON(ctx, s.cache, s.logger, key, answer, s.ttl)
	return &models.ChatResponse{Answer: answer, Source: SourceLLM}
}
