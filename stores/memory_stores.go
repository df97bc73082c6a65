package stores

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/oarkflow/accesscontrol"
)

// MemoryPolicyStore keeps policy tuples in memory for tests and demos.
type MemoryPolicyStore struct {
	mu     sync.RWMutex
	nextID int64
	tuples []accesscontrol.PolicyTuple
}

func NewMemoryPolicyStore(tuples ...accesscontrol.PolicyTuple) *MemoryPolicyStore {
	s := &MemoryPolicyStore{}
	s.Add(tuples...)
	return s
}

// Add stores tuples, assigning ids to those without one.
func (s *MemoryPolicyStore) Add(tuples ...accesscontrol.PolicyTuple) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tuples {
		if t.ID == 0 {
			s.nextID++
			t.ID = s.nextID
		} else if t.ID > s.nextID {
			s.nextID = t.ID
		}
		s.tuples = append(s.tuples, t)
	}
}

// Deactivate marks the tuple inactive. It reports whether the id was known.
func (s *MemoryPolicyStore) Deactivate(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tuples {
		if s.tuples[i].ID == id {
			s.tuples[i].IsActive = false
			return true
		}
	}
	return false
}

func (s *MemoryPolicyStore) ListTuples(ctx context.Context, workstreamID string) ([]accesscontrol.PolicyTuple, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]accesscontrol.PolicyTuple, 0, len(s.tuples))
	for _, t := range s.tuples {
		if t.IsActive && t.AppliesTo(workstreamID) {
			out = append(out, t)
		}
	}
	return out, nil
}

// MemoryRoleStore keeps role definitions. System roles cannot be deleted.
type MemoryRoleStore struct {
	mu    sync.RWMutex
	roles map[string]accesscontrol.Role
}

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{roles: make(map[string]accesscontrol.Role)}
}

func roleKey(workstreamID, name string) string { return workstreamID + "\x00" + name }

func (s *MemoryRoleStore) CreateRole(_ context.Context, r accesscontrol.Role) error {
	if r.Name == "" || r.WorkstreamID == "" {
		return oops.Code(accesscontrol.CodeInvalidArgument).Errorf("role name and workstream are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := roleKey(r.WorkstreamID, r.Name)
	if _, ok := s.roles[k]; ok {
		return oops.Code(accesscontrol.CodeInvalidArgument).With("role", r.Name).Errorf("role %s already exists in %s", r.Name, r.WorkstreamID)
	}
	s.roles[k] = r
	return nil
}

func (s *MemoryRoleStore) GetRole(_ context.Context, workstreamID, name string) (accesscontrol.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[roleKey(workstreamID, name)]
	if !ok {
		return accesscontrol.Role{}, oops.Code(accesscontrol.CodeInvalidArgument).With("role", name).Errorf("role %s not found in %s", name, workstreamID)
	}
	return r, nil
}

func (s *MemoryRoleStore) DeleteRole(ctx context.Context, workstreamID, name string) error {
	r, err := s.GetRole(ctx, workstreamID, name)
	if err != nil {
		return err
	}
	if r.IsSystemRole {
		return errSystemRole(name)
	}
	s.mu.Lock()
	delete(s.roles, roleKey(workstreamID, name))
	s.mu.Unlock()
	return nil
}

func (s *MemoryRoleStore) ListRoles(_ context.Context, workstreamID string) ([]accesscontrol.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]accesscontrol.Role, 0)
	for _, r := range s.roles {
		if r.WorkstreamID == workstreamID || r.WorkstreamID == accesscontrol.GlobalWorkstream {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func errSystemRole(name string) error {
	return oops.Code(accesscontrol.CodeInvalidArgument).With("role", name).Errorf("system role %s cannot be deleted", name)
}

// MemoryUserAttributeStore maps (user, workstream) to attributes.
type MemoryUserAttributeStore struct {
	mu    sync.RWMutex
	attrs map[string]map[string]any
}

func NewMemoryUserAttributeStore() *MemoryUserAttributeStore {
	return &MemoryUserAttributeStore{attrs: make(map[string]map[string]any)}
}

// Set replaces the attributes of userID in workstreamID.
func (s *MemoryUserAttributeStore) Set(userID, workstreamID string, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[roleKey(workstreamID, userID)] = clonePayload(attrs)
}

func (s *MemoryUserAttributeStore) GetAttributes(ctx context.Context, userID, workstreamID string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePayload(s.attrs[roleKey(workstreamID, userID)]), nil
}

// MemoryProcessStore keeps business processes in memory.
type MemoryProcessStore struct {
	mu        sync.Mutex
	processes map[string]accesscontrol.BusinessProcess
}

func NewMemoryProcessStore() *MemoryProcessStore {
	return &MemoryProcessStore{processes: make(map[string]accesscontrol.BusinessProcess)}
}

func (s *MemoryProcessStore) CreateProcess(_ context.Context, p *accesscontrol.BusinessProcess) error {
	if p == nil || p.ID == "" {
		return oops.Code(accesscontrol.CodeInvalidArgument).Errorf("process id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processes[p.ID]; ok {
		return oops.Code(accesscontrol.CodeInvalidArgument).With("process_id", p.ID).Errorf("business process %s already exists", p.ID)
	}
	cp := *p
	cp.Metadata = clonePayload(p.Metadata)
	s.processes[p.ID] = cp
	return nil
}

func (s *MemoryProcessStore) CompleteProcess(_ context.Context, id string, outcome accesscontrol.ProcessOutcome, notes string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[id]
	if !ok {
		return accesscontrol.ProcessNotFound(id)
	}
	if p.Status != accesscontrol.ProcessInitiated {
		return accesscontrol.ProcessAlreadyCompleted(id)
	}
	p.Status = accesscontrol.ProcessCompleted
	p.Outcome = outcome
	p.Notes = notes
	at := completedAt.UTC()
	p.CompletedAt = &at
	s.processes[id] = p
	return nil
}

func (s *MemoryProcessStore) GetProcess(_ context.Context, id string) (*accesscontrol.BusinessProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[id]
	if !ok {
		return nil, accesscontrol.ProcessNotFound(id)
	}
	p.Metadata = clonePayload(p.Metadata)
	return &p, nil
}

// MemoryEventStore is an append-only slice. The sequence counter is advanced
// under the same lock that appends, so order and numbering agree.
type MemoryEventStore struct {
	mu     sync.RWMutex
	seq    int64
	events []accesscontrol.BusinessEvent
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

func (s *MemoryEventStore) AppendEvent(ctx context.Context, ev *accesscontrol.BusinessEvent) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	cp := *ev
	cp.SequenceNumber = s.seq
	cp.Payload = clonePayload(ev.Payload)
	cp.AffectedEntities = append([]string(nil), ev.AffectedEntities...)
	s.events = append(s.events, cp)
	ev.SequenceNumber = s.seq
	return s.seq, nil
}

func (s *MemoryEventStore) ListEvents(ctx context.Context, filter accesscontrol.EventFilter) ([]*accesscontrol.BusinessEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*accesscontrol.BusinessEvent, 0)
	for i := range s.events {
		if !filter.Matches(&s.events[i]) {
			continue
		}
		cp := s.events[i]
		cp.Payload = clonePayload(cp.Payload)
		cp.AffectedEntities = append([]string(nil), cp.AffectedEntities...)
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// MemoryGroupMirror is the in-memory display mirror.
type MemoryGroupMirror struct {
	mu     sync.RWMutex
	nextID int64
	users  map[string]string
	groups map[string]*accesscontrol.Group
	assocs map[assocKey]*accesscontrol.UserGroupAssociation
}

type assocKey struct {
	userID  string
	groupID int64
}

func NewMemoryGroupMirror() *MemoryGroupMirror {
	return &MemoryGroupMirror{
		users:  make(map[string]string),
		groups: make(map[string]*accesscontrol.Group),
		assocs: make(map[assocKey]*accesscontrol.UserGroupAssociation),
	}
}

func (m *MemoryGroupMirror) UpsertUser(_ context.Context, userID, displayName string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = displayName
	return nil
}

func (m *MemoryGroupMirror) GetOrCreateGroup(_ context.Context, externalID string, source accesscontrol.MembershipSource) (*accesscontrol.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[externalID]; ok {
		cp := *g
		return &cp, nil
	}
	m.nextID++
	name := externalID
	g := &accesscontrol.Group{ID: m.nextID, ExternalID: externalID, DisplayName: &name, Source: source}
	m.groups[externalID] = g
	cp := *g
	return &cp, nil
}

func (m *MemoryGroupMirror) UpsertAssociation(_ context.Context, userID string, groupID int64, source accesscontrol.MembershipSource, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := assocKey{userID: userID, groupID: groupID}
	if a, ok := m.assocs[k]; ok {
		a.LastSeenAt = seenAt
		return nil
	}
	m.assocs[k] = &accesscontrol.UserGroupAssociation{
		UserID: userID, GroupID: groupID, Source: source, FirstSeenAt: seenAt, LastSeenAt: seenAt,
	}
	return nil
}

// HasUser reports whether userID was mirrored.
func (m *MemoryGroupMirror) HasUser(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[userID]
	return ok
}

// Associations lists the mirrored groups of userID ordered by group id.
func (m *MemoryGroupMirror) Associations(userID string) []accesscontrol.UserGroupAssociation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []accesscontrol.UserGroupAssociation
	for _, a := range m.assocs {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

// Groups lists every mirrored group ordered by id.
func (m *MemoryGroupMirror) Groups() []accesscontrol.Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]accesscontrol.Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
