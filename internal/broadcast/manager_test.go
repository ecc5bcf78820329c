package broadcast

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mesh_beacon/internal/check"
	"mesh_beacon/internal/config"
	"mesh_beacon/internal/dataType"
	"mesh_beacon/internal/identity"
	"mesh_beacon/internal/trust"
)

type testNode struct {
	id    *identity.Identity
	graph *trust.Graph
	mgr   *Manager
}

// newTestNode builds a manager wired to a fresh identity whose public key is
// registered on the shared ring, so every node can verify every other.
func newTestNode(t *testing.T, ring *identity.KeyRing, name string, limits *config.LimitConfig) *testNode {
	t.Helper()

	id, err := identity.Generate()
	require.NoError(t, err)
	ring.Add(id.PeerID, id.PublicKey())

	g := trust.NewGraph(id.PeerID)
	t.Cleanup(g.Close)

	if limits == nil {
		limits = config.DefaultLimits()
	}
	m := NewManager(id.PeerID, name, g, limits, Crypto{
		Sign:         id.Sign,
		Verify:       identity.Verify,
		GetPublicKey: ring.Lookup,
	}, zap.NewNop())

	return &testNode{id: id, graph: g, mgr: m}
}

type testZone string

func (z testZone) ZoneID() string { return string(z) }

func TestCreateBroadcast(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)
	ctx := context.Background()

	b, err := alice.mgr.CreateBroadcast(ctx, dataType.BroadcastEmergency, dataType.SeverityCritical,
		"Flood warning", "River rising fast", CreateOptions{TargetZones: []string{"riverside"}})
	require.NoError(t, err)

	require.Equal(t, alice.id.PeerID, b.BroadcasterID)
	require.Equal(t, "alice", b.BroadcasterName)
	require.NotEmpty(t, b.Signature)
	require.Equal(t, 0, b.HopCount)
	require.Equal(t, 50, b.MaxHops)
	require.Equal(t, b.CreatedAt+7*24*3600, b.ExpiresAt)

	stored, ok := alice.mgr.GetBroadcast(b.ID)
	require.True(t, ok)
	require.Equal(t, b, stored)

	// local broadcasts verify against the creator's own key
	vr := alice.mgr.VerifyBroadcast(ctx, b)
	require.True(t, vr.SignatureValid)
}

func TestCreateBroadcastTruncatesTitle(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)

	b, err := alice.mgr.CreateBroadcast(context.Background(), dataType.BroadcastAlert, dataType.SeverityInfo,
		strings.Repeat("x", 200), "body", CreateOptions{})
	require.NoError(t, err)
	require.Len(t, []rune(b.Title), dataType.MaxTitleLength)
}

func TestProcessTrustedBroadcast(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)
	bob := newTestNode(t, ring, "bob", nil)
	alice.graph.AddDirectTrust(bob.id.PeerID, dataType.TrustDirect, "")
	ctx := context.Background()

	b, err := bob.mgr.CreateBroadcast(ctx, dataType.BroadcastEmergency, dataType.SeverityCritical,
		"Wildfire", "Evacuate north ridge", CreateOptions{})
	require.NoError(t, err)

	res := alice.mgr.ProcessBroadcast(ctx, b)
	require.True(t, res.Accepted)
	require.True(t, res.ShouldRelay)
	require.True(t, res.ShouldDisplay)
	require.Empty(t, res.Reason)

	_, ok := alice.mgr.GetBroadcast(b.ID)
	require.True(t, ok)
}

func TestProcessUnknownSenderStoredNotRelayed(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)
	carol := newTestNode(t, ring, "carol", nil)
	ctx := context.Background()

	b, err := carol.mgr.CreateBroadcast(ctx, dataType.BroadcastAlert, dataType.SeverityWarning,
		"Road closed", "Bridge out on route 9", CreateOptions{})
	require.NoError(t, err)

	// valid signature from an unknown sender: admitted and displayable,
	// never relayed
	res := alice.mgr.ProcessBroadcast(ctx, b)
	require.True(t, res.Accepted)
	require.False(t, res.ShouldRelay)
	require.True(t, res.ShouldDisplay)

	_, ok := alice.mgr.GetBroadcast(b.ID)
	require.True(t, ok)
}

func TestProcessReplayRejected(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)
	bob := newTestNode(t, ring, "bob", nil)
	ctx := context.Background()

	b, err := bob.mgr.CreateBroadcast(ctx, dataType.BroadcastAlert, dataType.SeverityInfo,
		"t", "b", CreateOptions{})
	require.NoError(t, err)

	require.True(t, alice.mgr.ProcessBroadcast(ctx, b).Accepted)

	res := alice.mgr.ProcessBroadcast(ctx, b)
	require.False(t, res.Accepted)
	require.Equal(t, check.ReasonAlreadySeen, res.Reason)
}

func TestProcessExpiredRejected(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)
	bob := newTestNode(t, ring, "bob", nil)
	ctx := context.Background()

	b, err := bob.mgr.CreateBroadcast(ctx, dataType.BroadcastAlert, dataType.SeverityInfo,
		"stale", "already over", CreateOptions{TTL: -2 * time.Hour})
	require.NoError(t, err)

	res := alice.mgr.ProcessBroadcast(ctx, b)
	require.False(t, res.Accepted)
	require.Equal(t, check.ReasonExpired, res.Reason)

	_, ok := alice.mgr.GetBroadcast(b.ID)
	require.False(t, ok)
}

func TestSpamReportsBlockSender(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)
	bob := newTestNode(t, ring, "bob", nil)
	ctx := context.Background()

	b1, err := bob.mgr.CreateBroadcast(ctx, dataType.BroadcastAnnouncement, dataType.SeverityInfo,
		"buy now", "spam spam", CreateOptions{})
	require.NoError(t, err)
	require.True(t, alice.mgr.ProcessBroadcast(ctx, b1).Accepted)

	for i := 0; i < 4; i++ {
		blocked, err := alice.mgr.ReportSpam(b1.ID)
		require.NoError(t, err)
		require.False(t, blocked, "report %d must not block yet", i+1)
	}
	blocked, err := alice.mgr.ReportSpam(b1.ID)
	require.NoError(t, err)
	require.True(t, blocked)
	require.True(t, alice.mgr.IsSenderBlocked(bob.id.PeerID))

	// the already stored broadcast survives the block
	_, ok := alice.mgr.GetBroadcast(b1.ID)
	require.True(t, ok)

	b2, err := bob.mgr.CreateBroadcast(ctx, dataType.BroadcastAnnouncement, dataType.SeverityInfo,
		"buy more", "spam again", CreateOptions{})
	require.NoError(t, err)
	res := alice.mgr.ProcessBroadcast(ctx, b2)
	require.False(t, res.Accepted)
	require.Equal(t, check.ReasonSenderBlocked, res.Reason)

	// unblocking clears the tally too, so the next report starts over
	alice.mgr.UnblockSender(bob.id.PeerID)
	require.False(t, alice.mgr.IsSenderBlocked(bob.id.PeerID))
	blocked, err = alice.mgr.ReportSpam(b1.ID)
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestReportSpamUnknownBroadcast(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)

	_, err := alice.mgr.ReportSpam("no-such-id")
	require.Error(t, err)
}

func TestSenderRateLimit(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)
	bob := newTestNode(t, ring, "bob", nil)
	ctx := context.Background()

	cur := time.Now()
	alice.mgr.SetClock(func() time.Time { return cur })

	mk := func(title string) *dataType.EmergencyBroadcast {
		b, err := bob.mgr.CreateBroadcast(ctx, dataType.BroadcastAlert, dataType.SeverityInfo,
			title, "body", CreateOptions{})
		require.NoError(t, err)
		return b
	}

	require.True(t, alice.mgr.ProcessBroadcast(ctx, mk("one")).Accepted)
	require.True(t, alice.mgr.ProcessBroadcast(ctx, mk("two")).Accepted)
	require.True(t, alice.mgr.ProcessBroadcast(ctx, mk("three")).Accepted)

	res := alice.mgr.ProcessBroadcast(ctx, mk("four"))
	require.False(t, res.Accepted)
	require.Equal(t, check.ReasonRateLimited, res.Reason)

	// after the window rolls over the sender is allowed again
	cur = cur.Add(time.Hour + time.Minute)
	require.True(t, alice.mgr.ProcessBroadcast(ctx, mk("five")).Accepted)
}

func TestZoneRateLimit(t *testing.T) {
	limits := config.DefaultLimits()
	limits.MaxPerSender = 100
	limits.MaxPerZone = 1

	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", limits)
	bob := newTestNode(t, ring, "bob", nil)
	ctx := context.Background()

	mk := func(title string, zones []string) *dataType.EmergencyBroadcast {
		b, err := bob.mgr.CreateBroadcast(ctx, dataType.BroadcastAlert, dataType.SeverityInfo,
			title, "body", CreateOptions{TargetZones: zones})
		require.NoError(t, err)
		return b
	}

	require.True(t, alice.mgr.ProcessBroadcast(ctx, mk("one", []string{"z1"})).Accepted)

	res := alice.mgr.ProcessBroadcast(ctx, mk("two", []string{"z1"}))
	require.False(t, res.Accepted)
	require.Equal(t, check.ReasonRateLimited, res.Reason)

	// other zones have their own windows
	require.True(t, alice.mgr.ProcessBroadcast(ctx, mk("three", []string{"z2"})).Accepted)
}

func TestProcessTamperedBroadcast(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)
	bob := newTestNode(t, ring, "bob", nil)
	ctx := context.Background()

	b, err := bob.mgr.CreateBroadcast(ctx, dataType.BroadcastEmergency, dataType.SeverityCritical,
		"Landslide", "Avoid canyon road", CreateOptions{})
	require.NoError(t, err)

	tampered := *b
	tampered.Body = "All clear, go back"
	res := alice.mgr.ProcessBroadcast(ctx, &tampered)
	require.False(t, res.Accepted)
	require.Equal(t, check.ReasonInvalidSignature, res.Reason)

	// a signature rejection marks nothing seen, the genuine broadcast still
	// gets through
	require.True(t, alice.mgr.ProcessBroadcast(ctx, b).Accepted)
}

func TestProcessUnknownPublicKey(t *testing.T) {
	// dave signs correctly but alice's ring has no key for him
	aliceRing := identity.NewKeyRing()
	alice := newTestNode(t, aliceRing, "alice", nil)
	dave := newTestNode(t, identity.NewKeyRing(), "dave", nil)
	ctx := context.Background()

	b, err := dave.mgr.CreateBroadcast(ctx, dataType.BroadcastAlert, dataType.SeverityInfo,
		"t", "b", CreateOptions{})
	require.NoError(t, err)

	vr := alice.mgr.VerifyBroadcast(ctx, b)
	require.False(t, vr.SignatureValid)
	require.Contains(t, vr.Reasons, "no public key for broadcaster")

	res := alice.mgr.ProcessBroadcast(ctx, b)
	require.False(t, res.Accepted)
	require.Equal(t, check.ReasonInvalidSignature, res.Reason)
}

func TestAttestationEnablesRelay(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)
	bob := newTestNode(t, ring, "bob", nil)
	carol := newTestNode(t, ring, "carol", nil)
	alice.graph.AddDirectTrust(bob.id.PeerID, dataType.TrustDirect, "")
	ctx := context.Background()

	b, err := carol.mgr.CreateBroadcast(ctx, dataType.BroadcastEmergency, dataType.SeverityCritical,
		"Gas leak", "Block cordoned off", CreateOptions{})
	require.NoError(t, err)

	// a vouching attestation from a directly trusted peer lifts the
	// broadcast over the relay threshold even though carol is unknown
	att, err := bob.mgr.AttestBroadcast(ctx, b.ID)
	require.NoError(t, err)
	b.Attestations = append(b.Attestations, *att)

	vr := alice.mgr.VerifyBroadcast(ctx, b)
	require.Equal(t, dataType.TrustUnknown, vr.SenderTrustLevel)
	require.Equal(t, dataType.TrustDirect, vr.HighestAttestationTrust)

	res := alice.mgr.ProcessBroadcast(ctx, b)
	require.True(t, res.Accepted)
	require.True(t, res.ShouldRelay)
}

func TestAttestBroadcastKnownLocally(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)
	bob := newTestNode(t, ring, "bob", nil)
	alice.graph.AddDirectTrust(bob.id.PeerID, dataType.TrustDirect, "")
	ctx := context.Background()

	b, err := bob.mgr.CreateBroadcast(ctx, dataType.BroadcastAlert, dataType.SeverityWarning,
		"t", "b", CreateOptions{})
	require.NoError(t, err)
	require.True(t, alice.mgr.ProcessBroadcast(ctx, b).Accepted)

	att, err := alice.mgr.AttestBroadcast(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, alice.id.PeerID, att.AttesterID)
	require.Equal(t, dataType.TrustDirect, att.TrustLevel)

	stored, ok := alice.mgr.GetBroadcast(b.ID)
	require.True(t, ok)
	require.Len(t, stored.Attestations, 1)
}

func TestVerifyBroadcastHasNoSideEffects(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)
	bob := newTestNode(t, ring, "bob", nil)
	ctx := context.Background()

	b, err := bob.mgr.CreateBroadcast(ctx, dataType.BroadcastAlert, dataType.SeverityInfo,
		"t", "b", CreateOptions{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		vr := alice.mgr.VerifyBroadcast(ctx, b)
		require.True(t, vr.SignatureValid)
	}

	// verification neither stored nor deduped anything
	_, ok := alice.mgr.GetBroadcast(b.ID)
	require.False(t, ok)
	require.True(t, alice.mgr.ProcessBroadcast(ctx, b).Accepted)
}

func TestDisplayThreshold(t *testing.T) {
	limits := config.DefaultLimits()
	limits.MinTrustToDisplay = dataType.TrustDirect

	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", limits)
	carol := newTestNode(t, ring, "carol", nil)
	ctx := context.Background()

	called := false
	alice.mgr.OnBroadcast(func(_ *dataType.EmergencyBroadcast) { called = true })

	b, err := carol.mgr.CreateBroadcast(ctx, dataType.BroadcastAlert, dataType.SeverityInfo,
		"t", "b", CreateOptions{})
	require.NoError(t, err)

	res := alice.mgr.ProcessBroadcast(ctx, b)
	require.True(t, res.Accepted)
	require.False(t, res.ShouldDisplay)
	require.False(t, called)
}

func TestListeners(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)
	bob := newTestNode(t, ring, "bob", nil)
	ctx := context.Background()

	var order []string
	alice.mgr.OnBroadcast(func(_ *dataType.EmergencyBroadcast) {
		order = append(order, "panicker")
		panic("display crashed")
	})
	handle := alice.mgr.OnBroadcast(func(_ *dataType.EmergencyBroadcast) {
		order = append(order, "second")
	})

	mk := func(title string) *dataType.EmergencyBroadcast {
		b, err := bob.mgr.CreateBroadcast(ctx, dataType.BroadcastAlert, dataType.SeverityInfo,
			title, "b", CreateOptions{})
		require.NoError(t, err)
		return b
	}

	// a panicking listener must not block the ones after it
	require.True(t, alice.mgr.ProcessBroadcast(ctx, mk("one")).Accepted)
	require.Equal(t, []string{"panicker", "second"}, order)

	require.True(t, alice.mgr.Unsubscribe(handle))
	require.False(t, alice.mgr.Unsubscribe(handle))

	order = nil
	require.True(t, alice.mgr.ProcessBroadcast(ctx, mk("two")).Accepted)
	require.Equal(t, []string{"panicker"}, order)
}

func TestPrepareForRelay(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)
	bob := newTestNode(t, ring, "bob", nil)
	ctx := context.Background()

	b, err := bob.mgr.CreateBroadcast(ctx, dataType.BroadcastAlert, dataType.SeverityInfo,
		"t", "b", CreateOptions{})
	require.NoError(t, err)
	require.True(t, alice.mgr.ProcessBroadcast(ctx, b).Accepted)

	out := alice.mgr.PrepareForRelay(b.ID)
	require.NotNil(t, out)
	require.Equal(t, 1, out.HopCount)

	// the stored copy keeps its hop count
	stored, _ := alice.mgr.GetBroadcast(b.ID)
	require.Equal(t, 0, stored.HopCount)

	require.Nil(t, alice.mgr.PrepareForRelay("no-such-id"))
}

func TestPrepareForRelayHopCap(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)
	bob := newTestNode(t, ring, "bob", nil)
	ctx := context.Background()

	b, err := bob.mgr.CreateBroadcast(ctx, dataType.BroadcastAlert, dataType.SeverityInfo,
		"t", "b", CreateOptions{MaxHops: 1})
	require.NoError(t, err)

	// arrives having spent its only hop: still admitted, never relayed
	relayed := b.IncrementHop()
	res := alice.mgr.ProcessBroadcast(ctx, relayed)
	require.True(t, res.Accepted)
	require.False(t, res.ShouldRelay)
	require.Nil(t, alice.mgr.PrepareForRelay(relayed.ID))
}

func TestActiveBroadcastsOrderingAndZones(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)
	ctx := context.Background()

	cur := time.Now()
	alice.mgr.SetClock(func() time.Time { return cur })

	b1, err := alice.mgr.CreateBroadcast(ctx, dataType.BroadcastAlert, dataType.SeverityInfo,
		"zoned", "b", CreateOptions{TargetZones: []string{"z1"}})
	require.NoError(t, err)

	cur = cur.Add(time.Minute)
	b2, err := alice.mgr.CreateBroadcast(ctx, dataType.BroadcastAlert, dataType.SeverityInfo,
		"global", "b", CreateOptions{})
	require.NoError(t, err)

	active := alice.mgr.ActiveBroadcasts()
	require.Len(t, active, 2)
	require.Equal(t, b2.ID, active[0].ID)
	require.Equal(t, b1.ID, active[1].ID)

	// a global broadcast matches every zone
	inZ1 := alice.mgr.BroadcastsForZone(testZone("z1"))
	require.Len(t, inZ1, 2)
	elsewhere := alice.mgr.BroadcastsForZone(testZone("z9"))
	require.Len(t, elsewhere, 1)
	require.Equal(t, b2.ID, elsewhere[0].ID)
}

func TestPruneExpired(t *testing.T) {
	ring := identity.NewKeyRing()
	alice := newTestNode(t, ring, "alice", nil)
	bob := newTestNode(t, ring, "bob", nil)
	ctx := context.Background()

	cur := time.Now()
	alice.mgr.SetClock(func() time.Time { return cur })

	b, err := bob.mgr.CreateBroadcast(ctx, dataType.BroadcastAlert, dataType.SeverityInfo,
		"t", "b", CreateOptions{})
	require.NoError(t, err)
	require.True(t, alice.mgr.ProcessBroadcast(ctx, b).Accepted)

	require.Equal(t, 0, alice.mgr.PruneExpired())

	cur = cur.Add(8 * 24 * time.Hour)
	require.Empty(t, alice.mgr.ActiveBroadcasts())
	require.Equal(t, 1, alice.mgr.PruneExpired())

	_, ok := alice.mgr.GetBroadcast(b.ID)
	require.False(t, ok)

	// the dedup set outlives pruning, replays stay rejected
	res := alice.mgr.ProcessBroadcast(ctx, b)
	require.False(t, res.Accepted)
	require.Equal(t, check.ReasonAlreadySeen, res.Reason)
}
