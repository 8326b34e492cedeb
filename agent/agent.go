// Package agent holds the relay agents and agent groups that outbound
// messages are handed to, and selects a target for a delivery attempt.
//
// Agents and groups are managed externally (admin CLI, provisioning); the
// delivery engine only reads them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mjl-/bstore"

	"github.com/outmta/outmta/mlog"
	"github.com/outmta/outmta/outmta-"
)

var (
	// ErrNoTarget means the candidate set after include/exclude filtering is
	// empty. Fatal to the current delivery attempt, not retried within it.
	ErrNoTarget = errors.New("no outbound agent or agent group available")

	// ErrInvalidTarget means an explicitly included agent does not exist or
	// is not enabled for outbound delivery.
	ErrInvalidTarget = errors.New("invalid delivery target")
)

var pkglog = mlog.New("agent")

var DBTypes = []any{Agent{}, Group{}} // Types stored in DB.
var DB *bstore.DB

// Agent is a single relay endpoint accepting authenticated submission
// sessions.
type Agent struct {
	ID       int64
	Name     string `bstore:"unique"`
	Enabled  bool
	Outbound bool // Whether the agent accepts outbound submission.
	Host     string
	Port     int `bstore:"nonzero"`
	Username string
	Password string
}

// Group is a named set of agents behind one endpoint, e.g. a load-balanced
// DNS name. Groups are the default selection domain when a message names no
// explicit agents.
type Group struct {
	ID       int64
	Name     string `bstore:"unique"`
	Enabled  bool
	Outbound bool
	Priority int      // Higher is preferred for display/reporting; selection is uniform.
	Agents   []string // Member agent names, informational for this subsystem.
	Host     string
	Port     int `bstore:"nonzero"`
	Username string
	Password string
}

// Init opens the agent database.
func Init() error {
	if DB != nil {
		return fmt.Errorf("already initialized")
	}
	p := outmta.DataDirPath("agents.db")
	db, err := bstore.Open(outmta.Shutdown, p, nil, DBTypes...)
	if err != nil {
		return fmt.Errorf("open agent database: %v", err)
	}
	DB = db
	return nil
}

// Close closes the agent database.
func Close() error {
	err := DB.Close()
	DB = nil
	return err
}

// AgentAdd adds an agent.
func AgentAdd(ctx context.Context, a *Agent) error {
	return DB.Insert(ctx, a)
}

// AgentList returns all agents.
func AgentList(ctx context.Context) ([]Agent, error) {
	return bstore.QueryDB[Agent](ctx, DB).SortAsc("Name").List()
}

// GroupAdd adds an agent group.
func GroupAdd(ctx context.Context, g *Group) error {
	return DB.Insert(ctx, g)
}

// GroupList returns all agent groups.
func GroupList(ctx context.Context) ([]Group, error) {
	return bstore.QueryDB[Group](ctx, DB).SortAsc("Name").List()
}

// Criteria restricts target selection for one delivery attempt. Explicit
// agent criteria take precedence over group criteria; with no criteria at
// all, any enabled outbound group is a candidate.
type Criteria struct {
	IncludeAgents []string
	ExcludeAgents []string
	IncludeGroups []string
	ExcludeGroups []string
}

func (c Criteria) agents() bool {
	return len(c.IncludeAgents) > 0 || len(c.ExcludeAgents) > 0
}

func (c Criteria) groups() bool {
	return len(c.IncludeGroups) > 0 || len(c.ExcludeGroups) > 0
}

// Target is the relay endpoint chosen for one delivery attempt.
type Target struct {
	Group    bool // Whether Name refers to a group.
	Name     string
	Host     string
	Port     int
	Username string
	Password string
}

var prngMutex sync.Mutex
var prng = outmta.NewPseudoRand()

func pick(n int) int {
	prngMutex.Lock()
	defer prngMutex.Unlock()
	return prng.Intn(n)
}

// Select chooses a target uniformly at random from the candidate set implied
// by crit. Every explicitly included name must resolve to an enabled,
// outbound-capable record, otherwise ErrInvalidTarget. An empty candidate set
// is ErrNoTarget.
func Select(ctx context.Context, crit Criteria) (Target, error) {
	if crit.agents() {
		agents, err := bstore.QueryDB[Agent](ctx, DB).FilterNonzero(Agent{Enabled: true, Outbound: true}).List()
		if err != nil {
			return Target{}, fmt.Errorf("listing outbound agents: %v", err)
		}
		byName := map[string]Agent{}
		for _, a := range agents {
			byName[a.Name] = a
		}
		names, err := filterNames(byNameKeys(byName), crit.IncludeAgents, crit.ExcludeAgents, "agent")
		if err != nil {
			return Target{}, err
		}
		if len(names) == 0 {
			return Target{}, fmt.Errorf("%w: no agent left after include/exclude", ErrNoTarget)
		}
		a := byName[names[pick(len(names))]]
		pkglog.WithContext(ctx).Debug("selected agent", mlog.Field("name", a.Name), mlog.Field("candidates", len(names)))
		return Target{Name: a.Name, Host: a.Host, Port: a.Port, Username: a.Username, Password: a.Password}, nil
	}

	groups, err := bstore.QueryDB[Group](ctx, DB).FilterNonzero(Group{Enabled: true, Outbound: true}).List()
	if err != nil {
		return Target{}, fmt.Errorf("listing outbound agent groups: %v", err)
	}
	byName := map[string]Group{}
	for _, g := range groups {
		byName[g.Name] = g
	}
	var names []string
	if crit.groups() {
		names, err = filterNames(byNameKeys(byName), crit.IncludeGroups, crit.ExcludeGroups, "agent group")
		if err != nil {
			return Target{}, err
		}
	} else {
		names = byNameKeys(byName)
	}
	if len(names) == 0 {
		return Target{}, fmt.Errorf("%w: no agent group left after include/exclude", ErrNoTarget)
	}
	g := byName[names[pick(len(names))]]
	pkglog.WithContext(ctx).Debug("selected agent group", mlog.Field("name", g.Name), mlog.Field("candidates", len(names)))
	return Target{Group: true, Name: g.Name, Host: g.Host, Port: g.Port, Username: g.Username, Password: g.Password}, nil
}

func byNameKeys[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names
}

// filterNames applies include/exclude lists over the known names. Included
// names must all be known.
func filterNames(known, include, exclude []string, what string) ([]string, error) {
	knownSet := map[string]bool{}
	for _, name := range known {
		knownSet[name] = true
	}
	candidates := known
	if len(include) > 0 {
		candidates = nil
		for _, name := range include {
			if !knownSet[name] {
				return nil, fmt.Errorf("%w: %s %q does not exist or is not enabled for outbound", ErrInvalidTarget, what, name)
			}
			candidates = append(candidates, name)
		}
	}
	if len(exclude) > 0 {
		excluded := map[string]bool{}
		for _, name := range exclude {
			excluded[name] = true
		}
		var keep []string
		for _, name := range candidates {
			if !excluded[name] {
				keep = append(keep, name)
			}
		}
		candidates = keep
	}
	return candidates, nil
}
