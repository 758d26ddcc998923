package state

import (
	"context"
	"sync"

	"aetherflow-syncd/internal/db"
	"aetherflow-syncd/internal/models"
)

// recordingBroadcaster captures every broadcast for assertions.
type recordingBroadcaster struct {
	mu         sync.Mutex
	auth       []models.AuthState
	membership []models.MembershipState
	quota      []models.QuotaInfo
	rewards    []models.RewardsState
}

func (b *recordingBroadcaster) BroadcastAuthState(st models.AuthState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auth = append(b.auth, st)
}

func (b *recordingBroadcaster) BroadcastMembershipState(st models.MembershipState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.membership = append(b.membership, st)
}

func (b *recordingBroadcaster) BroadcastQuotaState(st models.QuotaInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quota = append(b.quota, st)
}

func (b *recordingBroadcaster) BroadcastRewardsState(st models.RewardsState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rewards = append(b.rewards, st)
}

func (b *recordingBroadcaster) membershipCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.membership)
}

func (b *recordingBroadcaster) quotaBroadcasts() []models.QuotaInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.QuotaInfo(nil), b.quota...)
}

func (b *recordingBroadcaster) rewardsBroadcasts() []models.RewardsState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.RewardsState(nil), b.rewards...)
}

// fakeAuthProvider is a settable AuthStateProvider.
type fakeAuthProvider struct {
	mu sync.Mutex
	st models.AuthState
}

func (f *fakeAuthProvider) AuthState() models.AuthState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeAuthProvider) set(user *models.UserProfile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st = models.NewAuthState(user)
}

// fakeMembershipFeed implements MembershipSubscriber with a manual emit.
type fakeMembershipFeed struct {
	mu    sync.Mutex
	state models.MembershipState
	subs  []func(models.MembershipState)
}

func (f *fakeMembershipFeed) MembershipState() models.MembershipState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeMembershipFeed) Subscribe(cb func(models.MembershipState)) func() {
	f.mu.Lock()
	f.subs = append(f.subs, cb)
	current := f.state
	f.mu.Unlock()
	cb(current)
	return func() {}
}

func (f *fakeMembershipFeed) emit(st models.MembershipState) {
	f.mu.Lock()
	f.state = st
	subs := make([]func(models.MembershipState), len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()
	for _, cb := range subs {
		cb(st)
	}
}

// fakeQuotaRepo is an in-memory db.QuotaRepository.
type fakeQuotaRepo struct {
	mu       sync.Mutex
	usage    models.QuotaUsage
	exists   bool
	getErr   error
	setErr   error
	getCalls int
	sets     []models.QuotaUsage
}

func (r *fakeQuotaRepo) GetUsage(_ context.Context, _ string) (models.QuotaUsage, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getCalls++
	if r.getErr != nil {
		return models.QuotaUsage{}, false, r.getErr
	}
	return r.usage, r.exists, nil
}

func (r *fakeQuotaRepo) SetUsage(_ context.Context, _ string, usage models.QuotaUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.setErr != nil {
		return r.setErr
	}
	r.sets = append(r.sets, usage)
	r.usage = usage
	r.exists = true
	return nil
}

// fakePromptRepo is an in-memory db.PromptRepository; only the counting side
// matters for quota tests.
type fakePromptRepo struct {
	mu       sync.Mutex
	count    int
	countErr error
	created  []*models.Prompt
}

func (r *fakePromptRepo) Create(_ context.Context, _ string, prompt *models.Prompt) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prompt.IsActive = true
	r.created = append(r.created, prompt)
	r.count++
	return "prompt-id", nil
}

func (r *fakePromptRepo) ListActive(_ context.Context, _ string) ([]*models.Prompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.Prompt(nil), r.created...), nil
}

func (r *fakePromptRepo) SoftDelete(_ context.Context, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count > 0 {
		r.count--
	}
	return nil
}

func (r *fakePromptRepo) CountActive(_ context.Context, _ string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.countErr != nil {
		return 0, r.countErr
	}
	return r.count, nil
}

// recordingPersister captures asynchronous usage persists.
type recordingPersister struct {
	mu    sync.Mutex
	calls []models.QuotaUsage
}

func (p *recordingPersister) PersistUsage(_ string, usage models.QuotaUsage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, usage)
}

func (p *recordingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *recordingPersister) last() models.QuotaUsage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[len(p.calls)-1]
}

// fakeMembershipRepo records Watch attachments and lets tests drive snapshots.
type membershipWatch struct {
	uid     string
	fn      func(doc map[string]any, exists bool, err error)
	stopped bool
}

type fakeMembershipRepo struct {
	mu      sync.Mutex
	watches []*membershipWatch
}

func (r *fakeMembershipRepo) Watch(_ context.Context, userID string, fn func(doc map[string]any, exists bool, err error)) func() {
	w := &membershipWatch{uid: userID, fn: fn}
	r.mu.Lock()
	r.watches = append(r.watches, w)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		w.stopped = true
	}
}

func (r *fakeMembershipRepo) activeWatches() []*membershipWatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	var active []*membershipWatch
	for _, w := range r.watches {
		if !w.stopped {
			active = append(active, w)
		}
	}
	return active
}

func (r *fakeMembershipRepo) lastWatch() *membershipWatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.watches) == 0 {
		return nil
	}
	return r.watches[len(r.watches)-1]
}

// fakeRewardsRepo implements db.RewardsRepository over an in-memory task map.
type rewardsWatch struct {
	uid     string
	fn      func(docs []db.TaskSnapshot, err error)
	stopped bool
}

type fakeRewardsRepo struct {
	mu      sync.Mutex
	tasks   map[models.TaskType]models.TaskState
	queue   []models.RewardQueueEntry
	watches []*rewardsWatch
}

func newFakeRewardsRepo() *fakeRewardsRepo {
	return &fakeRewardsRepo{tasks: map[models.TaskType]models.TaskState{}}
}

func (r *fakeRewardsRepo) WatchTasks(_ context.Context, userID string, fn func(docs []db.TaskSnapshot, err error)) func() {
	w := &rewardsWatch{uid: userID, fn: fn}
	r.mu.Lock()
	r.watches = append(r.watches, w)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		w.stopped = true
	}
}

func (r *fakeRewardsRepo) ClaimTask(_ context.Context, _ string, taskID models.TaskType, entry models.RewardQueueEntry, decide db.ClaimDecision) (models.TaskState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.tasks[taskID]
	if !ok {
		current = models.TaskState{ID: taskID}
	}
	next, err := decide(current)
	if err != nil {
		return models.TaskState{}, err
	}
	r.tasks[taskID] = next
	r.queue = append(r.queue, entry)
	return next, nil
}

func (r *fakeRewardsRepo) lastWatch() *rewardsWatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.watches) == 0 {
		return nil
	}
	return r.watches[len(r.watches)-1]
}

func (r *fakeRewardsRepo) queueEntries() []models.RewardQueueEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.RewardQueueEntry(nil), r.queue...)
}
