package broadcast

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mesh_beacon/internal/action"
	"mesh_beacon/internal/check"
	"mesh_beacon/internal/config"
	"mesh_beacon/internal/dataType"
	"mesh_beacon/internal/metrics"
	"mesh_beacon/internal/trust"
)

// The crypto boundary is injected: signing may be hardware-backed and slow,
// so these calls take a context and are never made while a manager lock is
// held.
type (
	SignFunc      func(ctx context.Context, data []byte) ([]byte, error)
	VerifyFunc    func(ctx context.Context, data, signature, publicKey []byte) (bool, error)
	PublicKeyFunc func(ctx context.Context, peerID string) ([]byte, error)
)

type Crypto struct {
	Sign         SignFunc
	Verify       VerifyFunc
	GetPublicKey PublicKeyFunc
}

// Result is the admission verdict for one processed broadcast.
type Result struct {
	Accepted      bool   `json:"accepted"`
	ShouldRelay   bool   `json:"should_relay"`
	ShouldDisplay bool   `json:"should_display"`
	Reason        string `json:"reason,omitempty"`
}

type CreateOptions struct {
	ActionURL   string
	ImageHash   string
	Supersedes  string
	TargetZones []string
	RadiusKm    float64
	TTL         time.Duration // 0 means the configured default
	MaxHops     int           // 0 means the configured default
}

// Listener receives admitted broadcasts that passed the display threshold.
type Listener func(b *dataType.EmergencyBroadcast)

type listenerEntry struct {
	id string
	fn Listener
}

// Manager owns the broadcast lifecycle: minting and signing local alerts,
// admitting relayed ones, rate limiting, spam blocking and relay control.
// It is the only place a broadcast's trustworthiness is decided.
// Construct one Manager per mesh node identity.
type Manager struct {
	mu        sync.RWMutex
	localID   string
	localName string
	graph     *trust.Graph
	limits    *config.LimitConfig
	crypto    Crypto
	store     map[string]*dataType.EmergencyBroadcast
	mem       *dataType.SharedMemory
	checks    []check.CheckFunc
	listeners []listenerEntry
	log       *zap.Logger
	now       func() time.Time
}

func NewManager(localID, localName string, graph *trust.Graph, limits *config.LimitConfig, crypto Crypto, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		localID:   localID,
		localName: localName,
		graph:     graph,
		limits:    limits,
		crypto:    crypto,
		store:     make(map[string]*dataType.EmergencyBroadcast),
		mem: &dataType.SharedMemory{
			SeenIDs:            dataType.NewSeenSet(),
			SenderLimitCounter: dataType.NewWindowCounter(16, limits.SenderWindowSec),
			ZoneLimitCounter:   dataType.NewWindowCounter(16, limits.ZoneWindowSec),
			Spam:               dataType.NewSpamGuard(limits.SpamReportsToBlock),
		},
		checks: check.Pipeline(),
		log:    logger,
		now:    time.Now,
	}
}

// SetClock overrides the manager's time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// CreateBroadcast mints, signs, stores and marks seen a local broadcast.
// The returned record is ready for the transport.
func (m *Manager) CreateBroadcast(ctx context.Context, typ dataType.BroadcastType, severity dataType.Severity, title, body string, opts CreateOptions) (*dataType.EmergencyBroadcast, error) {
	now := m.now().Unix()

	ttl := opts.TTL
	if ttl == 0 {
		ttl = m.limits.DefaultTTL
	}
	maxHops := opts.MaxHops
	if maxHops == 0 {
		maxHops = m.limits.MaxHops
	}
	title = dataType.TruncateTitle(title)

	b := &dataType.EmergencyBroadcast{
		ID:              dataType.GenerateBroadcastID(typ, title, body, m.localID, now),
		Type:            typ,
		Severity:        severity,
		Title:           title,
		Body:            body,
		ActionURL:       opts.ActionURL,
		ImageHash:       opts.ImageHash,
		Supersedes:      opts.Supersedes,
		BroadcasterID:   m.localID,
		BroadcasterName: m.localName,
		TargetZones:     opts.TargetZones,
		RadiusKm:        opts.RadiusKm,
		CreatedAt:       now,
		ExpiresAt:       now + int64(ttl/time.Second),
		HopCount:        0,
		MaxHops:         maxHops,
	}

	payload, err := b.SigningPayload()
	if err != nil {
		return nil, err
	}
	sig, err := m.crypto.Sign(ctx, payload)
	if err != nil {
		return nil, errors.Wrap(err, "sign broadcast")
	}
	b.Signature = sig

	m.mu.Lock()
	m.store[b.ID] = b
	m.mu.Unlock()
	m.mem.SeenIDs.Mark(b.ID)

	metrics.BroadcastsCreated.Inc()
	m.log.Info("broadcast created",
		zap.String("id", b.ID),
		zap.String("type", string(b.Type)),
		zap.String("severity", string(b.Severity)))
	return b, nil
}

// AttestBroadcast signs the raw broadcast id bytes, endorsing it without
// being its signer. When the broadcast is known locally the attestation is
// appended to it.
func (m *Manager) AttestBroadcast(ctx context.Context, id string) (*dataType.BroadcastAttestation, error) {
	sig, err := m.crypto.Sign(ctx, []byte(id))
	if err != nil {
		return nil, errors.Wrap(err, "sign attestation")
	}

	att := &dataType.BroadcastAttestation{
		AttesterID:   m.localID,
		AttesterName: m.localName,
		Signature:    sig,
		AttestedAt:   m.now().Unix(),
		TrustLevel:   dataType.TrustUnknown,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.store[id]; ok {
		att.TrustLevel = m.graph.GetTrustLevel(b.BroadcasterID)
		b.Attestations = append(b.Attestations, *att)
	}
	return att, nil
}

// VerifyBroadcast checks the signature and trust standing of a broadcast.
// It has no side effects at all: no dedup marking, no storage, no counters.
// Safe to call repeatedly, including purely for diagnostics.
func (m *Manager) VerifyBroadcast(ctx context.Context, b *dataType.EmergencyBroadcast) *dataType.VerificationResult {
	res := &dataType.VerificationResult{
		SenderTrustLevel: m.graph.GetTrustLevel(b.BroadcasterID),
		AttestationCount: len(b.Attestations),
	}
	for _, att := range b.Attestations {
		if lvl := m.graph.GetTrustLevel(att.AttesterID); lvl > res.HighestAttestationTrust {
			res.HighestAttestationTrust = lvl
		}
	}

	// Faults at the crypto boundary downgrade to an invalid signature with
	// a recorded reason; they never escape the verification pipeline.
	pub, err := m.crypto.GetPublicKey(ctx, b.BroadcasterID)
	switch {
	case err != nil:
		res.Reasons = append(res.Reasons, "public key lookup failed: "+err.Error())
	case pub == nil:
		res.Reasons = append(res.Reasons, "no public key for broadcaster")
	default:
		payload, perr := b.SigningPayload()
		if perr != nil {
			res.Reasons = append(res.Reasons, "cannot build signing payload: "+perr.Error())
			break
		}
		ok, verr := m.crypto.Verify(ctx, payload, b.Signature, pub)
		if verr != nil {
			res.Reasons = append(res.Reasons, "signature verification failed: "+verr.Error())
		} else if !ok {
			res.Reasons = append(res.Reasons, "signature mismatch")
		} else {
			res.SignatureValid = true
		}
	}

	trusted := res.SenderTrustLevel >= m.limits.MinTrustToRelay ||
		res.HighestAttestationTrust >= m.limits.MinTrustToRelay
	if !trusted {
		res.Reasons = append(res.Reasons, "sender trust below relay threshold")
	}

	res.Valid = res.SignatureValid && trusted
	return res
}

// ProcessBroadcast runs the admission pipeline on a broadcast received from
// a peer. The check order is fixed: seen, expired, blocked sender, rate
// limit, then signature verification. A valid signature from an untrusted
// sender is still admitted and stored; trust only gates relaying and
// display. Callers must not invoke this concurrently for the same id.
func (m *Manager) ProcessBroadcast(ctx context.Context, b *dataType.EmergencyBroadcast) Result {
	now := m.now().Unix()

	decision := action.NewDecision()
	for _, checkFunc := range m.checks {
		checkFunc(b, m.limits, decision, m.mem, now)
		if decision.State == action.Done {
			break
		}
	}
	if decision.Rejected() {
		return m.reject(b, decision.Reason)
	}

	vr := m.VerifyBroadcast(ctx, b)
	if !vr.SignatureValid {
		m.log.Info("broadcast signature rejected",
			zap.String("id", b.ID),
			zap.String("broadcaster", b.BroadcasterID),
			zap.Strings("reasons", vr.Reasons))
		return m.reject(b, check.ReasonInvalidSignature)
	}

	m.mem.SeenIDs.Mark(b.ID)
	m.mu.Lock()
	m.store[b.ID] = b
	m.mu.Unlock()

	relayTrust := vr.SenderTrustLevel >= m.limits.MinTrustToRelay ||
		vr.HighestAttestationTrust >= m.limits.MinTrustToRelay
	res := Result{
		Accepted:      true,
		ShouldRelay:   b.CanPropagate(now) && relayTrust,
		ShouldDisplay: vr.SenderTrustLevel >= m.limits.MinTrustToDisplay,
	}

	metrics.BroadcastsAccepted.Inc()
	m.log.Info("broadcast accepted",
		zap.String("id", b.ID),
		zap.String("broadcaster", b.BroadcasterID),
		zap.String("trust", vr.SenderTrustLevel.String()),
		zap.Bool("relay", res.ShouldRelay),
		zap.Bool("display", res.ShouldDisplay))

	if res.ShouldDisplay {
		m.notifyListeners(b)
	}
	return res
}

func (m *Manager) reject(b *dataType.EmergencyBroadcast, reason string) Result {
	metrics.BroadcastsRejected.WithLabelValues(reason).Inc()
	m.log.Debug("broadcast rejected",
		zap.String("id", b.ID),
		zap.String("broadcaster", b.BroadcasterID),
		zap.String("reason", reason))
	return Result{Accepted: false, Reason: reason}
}

// PrepareForRelay returns a hop-incremented copy for the transport, or nil
// when the broadcast is unknown, expired or already at its hop cap. Stored
// state is never mutated.
func (m *Manager) PrepareForRelay(id string) *dataType.EmergencyBroadcast {
	m.mu.RLock()
	b, ok := m.store[id]
	m.mu.RUnlock()
	if !ok || !b.CanPropagate(m.now().Unix()) {
		return nil
	}
	metrics.BroadcastsRelayed.Inc()
	return b.IncrementHop()
}

// ReportSpam files a community spam report against the broadcast's sender.
// The tally is keyed by broadcaster, not broadcast: enough reports across
// any of a sender's broadcasts block the sender. Returns whether the sender
// is now blocked. Broadcasts admitted before the block stay stored.
func (m *Manager) ReportSpam(id string) (bool, error) {
	m.mu.RLock()
	b, ok := m.store[id]
	m.mu.RUnlock()
	if !ok {
		return false, errors.Errorf("unknown broadcast: %s", id)
	}

	metrics.SpamReports.Inc()
	wasBlocked := m.mem.Spam.IsBlocked(b.BroadcasterID)
	blocked := m.mem.Spam.Report(b.BroadcasterID, m.now().Unix())
	if blocked && !wasBlocked {
		metrics.SendersBlocked.Inc()
		m.log.Info("sender blocked for spam",
			zap.String("sender", b.BroadcasterID),
			zap.Int("reports", m.mem.Spam.ReportCount(b.BroadcasterID)))
	}
	return blocked, nil
}

// BlockSender applies a block directly, bypassing the report tally. Used
// when a block arrives from a cluster peer via gossip.
func (m *Manager) BlockSender(peerID string) {
	m.mem.Spam.Block(peerID, m.now().Unix())
}

func (m *Manager) UnblockSender(peerID string) {
	m.mem.Spam.Unblock(peerID)
}

func (m *Manager) IsSenderBlocked(peerID string) bool {
	return m.mem.Spam.IsBlocked(peerID)
}

func (m *Manager) BlockedSnapshot() map[string]int64 {
	return m.mem.Spam.Snapshot()
}

// GetBroadcast returns a stored broadcast by id.
func (m *Manager) GetBroadcast(id string) (*dataType.EmergencyBroadcast, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.store[id]
	return b, ok
}

// ActiveBroadcasts returns all stored, unexpired broadcasts, newest first.
func (m *Manager) ActiveBroadcasts() []*dataType.EmergencyBroadcast {
	now := m.now().Unix()
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := []*dataType.EmergencyBroadcast{}
	for _, b := range m.store {
		if !b.IsExpired(now) {
			active = append(active, b)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt != active[j].CreatedAt {
			return active[i].CreatedAt > active[j].CreatedAt
		}
		return active[i].ID < active[j].ID
	})
	return active
}

// BroadcastsForZone filters active broadcasts to the given zone. An empty
// target zone list means a global broadcast and matches every zone.
func (m *Manager) BroadcastsForZone(zone dataType.GeoZone) []*dataType.EmergencyBroadcast {
	matched := []*dataType.EmergencyBroadcast{}
	for _, b := range m.ActiveBroadcasts() {
		if len(b.TargetZones) == 0 {
			matched = append(matched, b)
			continue
		}
		for _, z := range b.TargetZones {
			if z == zone.ZoneID() {
				matched = append(matched, b)
				break
			}
		}
	}
	return matched
}

// PruneExpired drops expired broadcasts from storage and returns how many
// were removed. Seen ids, rate windows and the blocked set are untouched.
func (m *Manager) PruneExpired() int {
	now := m.now().Unix()
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id, b := range m.store {
		if b.IsExpired(now) {
			delete(m.store, id)
			count++
		}
	}
	return count
}

// OnBroadcast registers a display listener and returns its handle.
// Listeners run synchronously in registration order for every admitted
// broadcast that passes the display threshold.
func (m *Manager) OnBroadcast(fn Listener) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := listenerEntry{id: uuid.New().String(), fn: fn}
	m.listeners = append(m.listeners, entry)
	return entry.id
}

func (m *Manager) Unsubscribe(handle string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, entry := range m.listeners {
		if entry.id == handle {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) notifyListeners(b *dataType.EmergencyBroadcast) {
	m.mu.RLock()
	entries := make([]listenerEntry, len(m.listeners))
	copy(entries, m.listeners)
	m.mu.RUnlock()

	for _, entry := range entries {
		m.invokeListener(entry, b)
	}
}

// invokeListener isolates one listener call; a panicking listener is logged
// and must not block the others or abort admission.
func (m *Manager) invokeListener(entry listenerEntry, b *dataType.EmergencyBroadcast) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("display listener panicked",
				zap.String("listener", entry.id),
				zap.String("broadcast", b.ID),
				zap.Any("panic", r))
		}
	}()
	entry.fn(b)
}
