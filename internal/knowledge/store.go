package knowledge

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is one tier of the project → crew → agent hierarchy.
type Level string

const (
	LevelProject Level = "project"
	LevelCrew    Level = "crew"
	LevelAgent   Level = "agent"
)

var (
	ErrUnknownLevel     = errors.New("unknown knowledge level")
	ErrDocumentNotFound = errors.New("knowledge document not found")
	ErrEmptyContent     = errors.New("knowledge content is required")
)

func ParseLevel(value string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(value))) {
	case LevelProject:
		return LevelProject, nil
	case LevelCrew:
		return LevelCrew, nil
	case LevelAgent:
		return LevelAgent, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownLevel, value)
	}
}

func (l Level) valid() bool {
	return l == LevelProject || l == LevelCrew || l == LevelAgent
}

func (l Level) fallback() string {
	return "No " + string(l) + " context available."
}

type Document struct {
	ID        string            `json:"id"`
	Level     Level             `json:"level"`
	EntityID  int64             `json:"entity_id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type Stats struct {
	Level           Level `json:"level"`
	EntityID        int64 `json:"entity_id"`
	DocumentCount   int   `json:"document_count"`
	TotalCharacters int   `json:"total_characters"`
}

type entityKey struct {
	level    Level
	entityID int64
}

// Store is an in-memory hierarchical knowledge base. Documents for an entity
// are returned in insertion order.
type Store struct {
	mu       sync.RWMutex
	docs     map[string]*Document
	byEntity map[entityKey][]string
	next     map[Level]int
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		docs:     make(map[string]*Document),
		byEntity: make(map[entityKey][]string),
		next:     make(map[Level]int),
		now:      time.Now,
	}
}

// Add stores content for an entity and returns its document id,
// formatted as <level>_<entityID>_<n>.
func (s *Store) Add(level Level, entityID int64, content string, metadata map[string]string) (string, error) {
	if !level.valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownLevel, level)
	}
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next[level]
	s.next[level] = n + 1
	doc := &Document{
		ID:        fmt.Sprintf("%s_%d_%d", level, entityID, n),
		Level:     level,
		EntityID:  entityID,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	if len(metadata) > 0 {
		doc.Metadata = maps.Clone(metadata)
	}
	s.docs[doc.ID] = doc
	key := entityKey{level: level, entityID: entityID}
	s.byEntity[key] = append(s.byEntity[key], doc.ID)
	return doc.ID, nil
}

// Update replaces the content of an existing document.
func (s *Store) Update(docID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return ErrDocumentNotFound
	}
	doc.Content = content
	return nil
}

func (s *Store) Delete(docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return ErrDocumentNotFound
	}
	delete(s.docs, docID)
	key := entityKey{level: doc.Level, entityID: doc.EntityID}
	ids := s.byEntity[key]
	for i, id := range ids {
		if id == docID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.byEntity, key)
	} else {
		s.byEntity[key] = ids
	}
	return nil
}

// Documents returns copies of the documents stored for an entity.
func (s *Store) Documents(level Level, entityID int64) []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byEntity[entityKey{level: level, entityID: entityID}]
	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		doc := *s.docs[id]
		doc.Metadata = maps.Clone(doc.Metadata)
		docs = append(docs, doc)
	}
	return docs
}

// Context joins every document for an entity with blank lines, or returns
// the level's fallback text when there are none.
func (s *Store) Context(level Level, entityID int64) string {
	docs := s.Documents(level, entityID)
	if len(docs) == 0 {
		return level.fallback()
	}
	parts := make([]string, len(docs))
	for i, doc := range docs {
		parts[i] = doc.Content
	}
	return strings.Join(parts, "\n\n")
}

// Search ranks an entity's documents by how many query terms they contain
// and joins the best topK. An empty query behaves like Context.
func (s *Store) Search(level Level, entityID int64, query string, topK int) string {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return s.Context(level, entityID)
	}
	type scored struct {
		content string
		score   int
		order   int
	}
	docs := s.Documents(level, entityID)
	matches := make([]scored, 0, len(docs))
	for i, doc := range docs {
		text := strings.ToLower(doc.Content)
		score := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{content: doc.Content, score: score, order: i})
		}
	}
	if len(matches) == 0 {
		return level.fallback()
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].order < matches[j].order
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	parts := make([]string, len(matches))
	for i, match := range matches {
		parts[i] = match.content
	}
	return strings.Join(parts, "\n\n")
}

func (s *Store) Stats(level Level, entityID int64) Stats {
	stats := Stats{Level: level, EntityID: entityID}
	for _, doc := range s.Documents(level, entityID) {
		stats.DocumentCount++
		stats.TotalCharacters += len([]rune(doc.Content))
	}
	return stats
}
