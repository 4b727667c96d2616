// Package retrieval ingests vault documents into chunks and ranks them
// against a query to ground agent prompts.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"consultflow/backend/internal/llm"
	"consultflow/backend/pkg/models"
)

var (
	// ErrEmbeddingUnavailable marks a failed embedding call. Callers
	// degrade to keyword ranking or unembedded chunks.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	// ErrExtractionLimited marks a file whose text came from the lossy
	// fallback extractor.
	ErrExtractionLimited = errors.New("extraction limited")
)

// Strategy names how a result set was ranked.
type Strategy string

const (
	StrategySemantic Strategy = "semantic"
	StrategyKeyword  Strategy = "keyword"
	StrategyPrefix   Strategy = "prefix"
)

// Store is the persistence the retrieval service needs.
type Store interface {
	GetVaultFile(ctx context.Context, id string) (*models.VaultFile, error)
	UpdateVaultFile(ctx context.Context, file *models.VaultFile) error
	ReplaceVaultChunks(ctx context.Context, fileID string, chunks []*models.VaultChunk) error
	ListVaultChunks(ctx context.Context, projectID string) ([]*models.VaultChunk, error)
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Recorder receives retrieval outcomes for metrics.
type Recorder interface {
	ObserveIngest(status models.VaultFileStatus)
	ObserveRetrieval(strategy string, results int)
}

// Options tunes the service.
type Options struct {
	ChunkSize         int
	ChunkOverlap      int
	MaxChunks         int
	ZeroMatchFallback bool
	EmbedBatchSize    int
	IngestConcurrency int
}

// Result is one ranked chunk.
type Result struct {
	ChunkID    string   `json:"chunk_id"`
	FileID     string   `json:"file_id"`
	FileName   string   `json:"file_name"`
	ChunkIndex int      `json:"chunk_index"`
	Content    string   `json:"content"`
	Score      float64  `json:"score"`
	Strategy   Strategy `json:"strategy"`
}

// Service implements vault ingestion and retrieval.
type Service struct {
	store     Store
	embedder  llm.Embedder
	extractor *Registry
	chunker   Chunker
	opts      Options
	logger    Logger
	recorder  Recorder

	sem      *semaphore.Weighted
	inflight sync.WaitGroup
}

// NewService creates a Service. embedder may be nil, in which case every
// file ends up as no_embeddings and ranking is keyword based.
func NewService(store Store, embedder llm.Embedder, opts Options, logger Logger, recorder Recorder) *Service {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 800
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = 100
	}
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = 10
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = 64
	}
	if opts.IngestConcurrency <= 0 {
		opts.IngestConcurrency = 4
	}
	return &Service{
		store:     store,
		embedder:  embedder,
		extractor: NewRegistry(),
		chunker:   Chunker{Size: opts.ChunkSize, Overlap: opts.ChunkOverlap},
		opts:      opts,
		logger:    logger,
		recorder:  recorder,
		sem:       semaphore.NewWeighted(int64(opts.IngestConcurrency)),
	}
}

// IngestAsync runs Ingest in the background. Writes for one file stay
// sequential; at most IngestConcurrency files are processed at once.
func (s *Service) IngestAsync(ctx context.Context, fileID string, raw []byte, mimeType string) {
	ctx = context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.logger.Error("vault ingest not started", "file_id", fileID, "error", err)
			return
		}
		defer s.sem.Release(1)
		if err := s.Ingest(ctx, fileID, raw, mimeType); err != nil {
			s.logger.Error("vault ingest failed", "file_id", fileID, "error", err)
		}
	}()
}

// Wait blocks until every background ingestion has finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// Ingest extracts, chunks and embeds a vault file. The file ends as
// completed, no_embeddings or failed. Embedding failures are not errors.
func (s *Service) Ingest(ctx context.Context, fileID string, raw []byte, mimeType string) error {
	file, err := s.store.GetVaultFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("load vault file %s: %w", fileID, err)
	}
	if mimeType == "" {
		mimeType = file.MimeType
	}

	file.Status = models.VaultProcessing
	file.ErrorText = ""
	if err := s.store.UpdateVaultFile(ctx, file); err != nil {
		return fmt.Errorf("mark vault file processing: %w", err)
	}

	status, err := s.process(ctx, file, raw, mimeType)
	if err != nil {
		file.Status = models.VaultFailed
		file.ErrorText = err.Error()
		if uerr := s.store.UpdateVaultFile(ctx, file); uerr != nil {
			s.logger.Error("could not record vault failure", "file_id", fileID, "error", uerr)
		}
		s.observeIngest(models.VaultFailed)
		return err
	}

	file.Status = status
	if err := s.store.UpdateVaultFile(ctx, file); err != nil {
		return fmt.Errorf("finish vault file: %w", err)
	}
	s.observeIngest(status)
	s.logger.Info("vault file ingested",
		"file_id", fileID,
		"chunks", file.ChunkCount,
		"status", status,
		"extraction_limited", file.ExtractionLimited,
	)
	return nil
}

func (s *Service) process(ctx context.Context, file *models.VaultFile, raw []byte, mimeType string) (status models.VaultFileStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extract %s: %v", file.FileName, r)
		}
	}()

	ext := s.extractor.Extract(mimeType, raw)
	if ext.Limited {
		s.logger.Warn("vault text extraction limited",
			"file_id", file.ID,
			"mime_type", mimeType,
			"error", errors.Join(ErrExtractionLimited, ext.Cause),
		)
	}
	file.ExtractedText = ext.Text
	file.ExtractionLimited = ext.Limited

	pieces := s.chunker.Split(ext.Text)
	chunks := make([]*models.VaultChunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = &models.VaultChunk{
			ID:         uuid.New().String(),
			FileID:     file.ID,
			ProjectID:  file.ProjectID,
			ChunkIndex: i,
			Content:    p,
			TokenCount: EstimateTokens(p),
		}
	}

	embedded := s.embedChunks(ctx, chunks)

	if err := s.store.ReplaceVaultChunks(ctx, file.ID, chunks); err != nil {
		return "", fmt.Errorf("store chunks: %w", err)
	}
	file.ChunkCount = len(chunks)

	if len(chunks) > 0 && !embedded {
		return models.VaultNoEmbeddings, nil
	}
	return models.VaultCompleted, nil
}

// embedChunks fills chunk embeddings in batches and reports whether every
// chunk got one. On any failure all embeddings are cleared.
func (s *Service) embedChunks(ctx context.Context, chunks []*models.VaultChunk) bool {
	if s.embedder == nil || len(chunks) == 0 {
		return false
	}
	for start := 0; start < len(chunks); start += s.opts.EmbedBatchSize {
		end := min(start+s.opts.EmbedBatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Content)
		}
		vecs, err := s.embedder.Embed(ctx, texts)
		if err == nil && len(vecs) != len(texts) {
			err = fmt.Errorf("got %d embeddings for %d chunks", len(vecs), len(texts))
		}
		if err != nil {
			s.logger.Warn("chunk embedding skipped", "error", errors.Join(ErrEmbeddingUnavailable, err))
			for _, c := range chunks {
				c.Embedding = nil
			}
			return false
		}
		for i, v := range vecs {
			chunks[start+i].Embedding = v
		}
	}
	return true
}

// Retrieve ranks the project's chunks against query and returns at most
// maxChunks results (the configured default when maxChunks <= 0).
func (s *Service) Retrieve(ctx context.Context, projectID, query string, maxChunks int) ([]Result, error) {
	if maxChunks <= 0 {
		maxChunks = s.opts.MaxChunks
	}

	chunks, err := s.store.ListVaultChunks(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list vault chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	results, strategy := s.rankSemantic(ctx, chunks, query, maxChunks)
	if results == nil {
		results, strategy = s.rankKeyword(chunks, query, maxChunks)
	}
	s.annotate(ctx, results)
	if s.recorder != nil {
		s.recorder.ObserveRetrieval(string(strategy), len(results))
	}
	return results, nil
}

func (s *Service) rankSemantic(ctx context.Context, chunks []*models.VaultChunk, query string, maxChunks int) ([]Result, Strategy) {
	if s.embedder == nil || !anyEmbedded(chunks) {
		return nil, ""
	}
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 || len(vecs[0]) == 0 {
		s.logger.Warn("query embedding failed, using keyword ranking",
			"error", errors.Join(ErrEmbeddingUnavailable, err))
		return nil, ""
	}

	q := vecs[0]
	var results []Result
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		results = append(results, newResult(c, CosineSimilarity(q, c.Embedding), StrategySemantic))
	}
	sortByScore(results)
	return truncate(results, maxChunks), StrategySemantic
}

func (s *Service) rankKeyword(chunks []*models.VaultChunk, query string, maxChunks int) ([]Result, Strategy) {
	keywords := Keywords(query)
	var results []Result
	for _, c := range chunks {
		if score := KeywordScore(keywords, c.Content); score > 0 {
			results = append(results, newResult(c, float64(score), StrategyKeyword))
		}
	}
	if len(results) > 0 {
		sortByScore(results)
		return truncate(results, maxChunks), StrategyKeyword
	}
	if !s.opts.ZeroMatchFallback {
		return []Result{}, StrategyKeyword
	}

	// Store order is upload order then chunk index.
	results = make([]Result, 0, min(maxChunks, len(chunks)))
	for _, c := range truncate(chunks, maxChunks) {
		results = append(results, newResult(c, 0, StrategyPrefix))
	}
	return results, StrategyPrefix
}

// UnknownSource labels chunks whose file record could not be loaded.
const UnknownSource = "unknown"

// annotate fills in the display name of each result's file.
func (s *Service) annotate(ctx context.Context, results []Result) {
	names := make(map[string]string)
	for i := range results {
		id := results[i].FileID
		name, ok := names[id]
		if !ok {
			name = UnknownSource
			if f, err := s.store.GetVaultFile(ctx, id); err != nil {
				s.logger.Warn("vault file lookup failed, labelling source unknown", "file_id", id, "error", err)
			} else {
				name = f.FileName
			}
			names[id] = name
		}
		results[i].FileName = name
	}
}

func (s *Service) observeIngest(status models.VaultFileStatus) {
	if s.recorder != nil {
		s.recorder.ObserveIngest(status)
	}
}

// FormatContext renders results as the vault context block appended to
// agent prompts. It returns "" for no results.
func FormatContext(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n=== PROJECT VAULT CONTEXT ===\n")
	b.WriteString("The following excerpts are from documents uploaded to this project's vault. Use this context to inform your analysis:\n\n")
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- Source: %s (chunk %d) ---\n%s", r.FileName, i+1, r.Content)
	}
	b.WriteString("\n=== END VAULT CONTEXT ===\n")
	return b.String()
}

// Keywords returns the lowercase query tokens longer than three characters.
func Keywords(query string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if utf8.RuneCountInString(w) > 3 {
			out = append(out, w)
		}
	}
	return out
}

// KeywordScore counts the keywords contained in content.
func KeywordScore(keywords []string, content string) int {
	lower := strings.ToLower(content)
	score := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			score++
		}
	}
	return score
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when the dimensions differ or either vector is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func anyEmbedded(chunks []*models.VaultChunk) bool {
	for _, c := range chunks {
		if len(c.Embedding) > 0 {
			return true
		}
	}
	return false
}

func newResult(c *models.VaultChunk, score float64, strategy Strategy) Result {
	return Result{
		ChunkID:    c.ID,
		FileID:     c.FileID,
		ChunkIndex: c.ChunkIndex,
		Content:    c.Content,
		Score:      score,
		Strategy:   strategy,
	}
}

func sortByScore(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}

func truncate[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}
