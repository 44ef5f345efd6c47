package store

import (
	"sort"
	"sync"
	"time"

	"github.com/slabstack/payintake/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps all records in maps guarded by a single mutex.
type InMemoryStore struct {
	mu            sync.Mutex
	conversations map[string]models.Conversation
	lineItems     map[string]models.LineItem
	progress      map[string]models.LineItemProgress // keyed applicationID + "/" + lineItemID
	applications  map[string]models.PaymentApplication
	inbound       map[string]inboundRecord
}

type inboundRecord struct {
	phone     string
	reply     string
	processed bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]models.Conversation),
		lineItems:     make(map[string]models.LineItem),
		progress:      make(map[string]models.LineItemProgress),
		applications:  make(map[string]models.PaymentApplication),
		inbound:       make(map[string]inboundRecord),
	}
}

func progressKey(applicationID, lineItemID string) string {
	return applicationID + "/" + lineItemID
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateConversation(c models.Conversation) error {
	if err := validateConversation(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.conversations {
		if existing.Phone == c.Phone && existing.State.IsActive() {
			return models.ErrActiveConversationExists
		}
	}
	s.conversations[c.ID] = c
	return nil
}

func (s *InMemoryStore) FindActiveConversation(phone string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []models.Conversation
	for _, c := range s.conversations {
		if c.Phone == phone && c.State.IsActive() {
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		return nil, nil
	}
	sort.Slice(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.After(active[j].CreatedAt)
		}
		return active[i].ID > active[j].ID
	})
	c := active[0]
	return &c, nil
}

func (s *InMemoryStore) FindLatestConversation(phone string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []models.Conversation
	for _, c := range s.conversations {
		if c.Phone == phone {
			all = append(all, c)
		}
	}
	if len(all) == 0 {
		return nil, nil
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	c := all[0]
	return &c, nil
}

func (s *InMemoryStore) UpdateConversation(c *models.Conversation) error {
	if err := validateConversation(*c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.conversations[c.ID]
	if !ok {
		return models.ErrNotFound
	}
	if stored.Version != c.Version {
		return models.ErrConversationConflict
	}
	c.Version++
	c.UpdatedAt = time.Now()
	s.conversations[c.ID] = *c
	return nil
}

func (s *InMemoryStore) ArchiveStaleConversations(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := 0
	for id, c := range s.conversations {
		if c.State.IsActive() && c.UpdatedAt.Before(cutoff) {
			c.State = models.StateArchived
			c.Version++
			c.UpdatedAt = time.Now()
			s.conversations[id] = c
			swept++
		}
	}
	return swept, nil
}

func (s *InMemoryStore) CreateLineItem(li models.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lineItems[li.ID] = li
	return nil
}

func (s *InMemoryStore) GetLineItem(id string) (*models.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	li, ok := s.lineItems[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &li, nil
}

func (s *InMemoryStore) ListLineItems(contractID string) ([]models.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []models.LineItem
	for _, li := range s.lineItems {
		if li.ContractID == contractID {
			items = append(items, li)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Position != items[j].Position {
			return items[i].Position < items[j].Position
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *InMemoryStore) UpdateLineItemDisplay(id string, percentComplete, thisPeriodPercent float64, amountCents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	li, ok := s.lineItems[id]
	if !ok {
		return models.ErrNotFound
	}
	li.PercentComplete = percentComplete
	li.ThisPeriodPercent = thisPeriodPercent
	li.CurrentAmountCents = amountCents
	li.UpdatedAt = time.Now()
	s.lineItems[id] = li
	return nil
}

func (s *InMemoryStore) SaveLineItemProgress(p models.LineItemProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := progressKey(p.PaymentApplicationID, p.LineItemID)
	if existing, ok := s.progress[key]; ok {
		p.ID = existing.ID
	}
	s.progress[key] = p
	return nil
}

func (s *InMemoryStore) GetLineItemProgress(applicationID, lineItemID string) (*models.LineItemProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[progressKey(applicationID, lineItemID)]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (s *InMemoryStore) ListLineItemProgress(applicationID string) ([]models.LineItemProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LineItemProgress
	for _, p := range s.progress {
		if p.PaymentApplicationID == applicationID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineItemID < out[j].LineItemID })
	return out, nil
}

func (s *InMemoryStore) PriorSubmittedPercent(lineItemID, beforeApplicationID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.applications[beforeApplicationID]
	if !ok {
		return 0, nil
	}
	var best float64
	var bestCreated time.Time
	for _, p := range s.progress {
		if p.LineItemID != lineItemID || p.SubmittedPercent <= 0 || p.PaymentApplicationID == beforeApplicationID {
			continue
		}
		app, ok := s.applications[p.PaymentApplicationID]
		if !ok || !app.CreatedAt.Before(current.CreatedAt) {
			continue
		}
		if bestCreated.IsZero() || app.CreatedAt.After(bestCreated) {
			best = p.SubmittedPercent
			bestCreated = app.CreatedAt
		}
	}
	return best, nil
}

func (s *InMemoryStore) CreatePaymentApplication(app models.PaymentApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applications[app.ID] = app
	return nil
}

func (s *InMemoryStore) GetPaymentApplication(id string) (*models.PaymentApplication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.applications[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &app, nil
}

func (s *InMemoryStore) FinalizePaymentApplication(id string, totalCents int64, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.applications[id]
	if !ok {
		return models.ErrNotFound
	}
	app.Status = models.ApplicationStatusSubmitted
	app.CurrentPaymentCents = totalCents
	app.PMNotes = notes
	app.UpdatedAt = time.Now()
	s.applications[id] = app
	return nil
}

func (s *InMemoryStore) RecordInbound(messageSid, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageSid]; ok {
		return false, nil
	}
	s.inbound[messageSid] = inboundRecord{phone: phone}
	return true, nil
}

func (s *InMemoryStore) SaveInboundReply(messageSid, reply string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.inbound[messageSid]
	rec.reply = reply
	rec.processed = true
	s.inbound[messageSid] = rec
	return nil
}

func (s *InMemoryStore) GetInboundReply(messageSid string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageSid]
	if !ok || !rec.processed {
		return "", false, nil
	}
	return rec.reply, true, nil
}
