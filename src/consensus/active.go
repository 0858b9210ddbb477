package consensus

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/ledger"
	"github.com/trellis-network/trellis/src/metrics"
	"github.com/trellis-network/trellis/src/transport"
	"github.com/trellis-network/trellis/src/types"
)

//ActiveConfig bounds the in-flight election set
type ActiveConfig struct {
	//Size is the limit for priority-behavior elections
	Size int
	//HintedLimitPercentage sizes the hinted limit as a % of Size
	HintedLimitPercentage int
	//OptimisticLimitPercentage sizes the optimistic limit as a % of Size
	OptimisticLimitPercentage int
	//ConfirmationHistorySize bounds the recently-cemented FIFO
	ConfirmationHistorySize int
	//ConfirmationCacheSize bounds the recently-confirmed cache
	ConfirmationCacheSize int
	//LoopInterval is the request-loop cadence
	LoopInterval time.Duration
	//MaxPrincipalReps caps the solicitor's representative set
	MaxPrincipalReps int
}

//DefaultActiveConfig returns production defaults
func DefaultActiveConfig() ActiveConfig {
	return ActiveConfig{
		Size:                      5000,
		HintedLimitPercentage:     20,
		OptimisticLimitPercentage: 10,
		ConfirmationHistorySize:   2048,
		ConfirmationCacheSize:     65536,
		LoopInterval:              500 * time.Millisecond,
		MaxPrincipalReps:          100,
	}
}

//InsertResult is the outcome of ActiveElections.Insert
type InsertResult struct {
	Election *Election
	Inserted bool
}

//AccountBalanceEvent notifies that an account's confirmed balance moved.
//Pending is set for the destination side of a send, whose balance change is
//still receivable.
type AccountBalanceEvent struct {
	Account types.Account
	Pending bool
}

type electionEntry struct {
	election *Election
	erase    func(*Election)
}

//ActiveElections maintains the set of in-flight elections, one per
//qualified root, drives their confirmation requests and reacts to
//cementing.
type ActiveElections struct {
	config   ActiveConfig
	ledger   *ledger.Ledger
	confirm  *ConfirmingSet
	router   *VoteRouter
	reps     RepProvider
	channels *transport.ChannelTable
	metrics  *metrics.ElectionMetrics
	logger   *logrus.Entry

	mu            sync.Mutex
	roots         map[types.QualifiedRoot]*electionEntry
	counts        map[Behavior]int
	winnerDetails map[types.Hash]*Election
	stopped       bool
	started       bool

	recentlyConfirmed *RecentlyConfirmed
	recentlyCemented  *RecentlyCemented

	stopCh chan struct{}
	wg     sync.WaitGroup

	//ActiveStarted fires when an election is inserted
	ActiveStarted common.ObserverSet[*Election]
	//ActiveStopped fires when an election is erased
	ActiveStopped common.ObserverSet[*Election]
	//BlockDropped fires for non-winner blocks of erased elections
	BlockDropped common.ObserverSet[*types.Block]
	//BalanceChanged fires when cementing moves an account's balance
	BalanceChanged common.ObserverSet[AccountBalanceEvent]
	//ActivateSuccessors asks the scheduler to consider an account's next
	//blocks after one of its blocks cemented
	ActivateSuccessors common.ObserverSet[types.Account]
}

func NewActiveElections(
	config ActiveConfig,
	l *ledger.Ledger,
	confirm *ConfirmingSet,
	router *VoteRouter,
	reps RepProvider,
	channels *transport.ChannelTable,
	m *metrics.ElectionMetrics,
	logger *logrus.Entry,
) *ActiveElections {
	a := &ActiveElections{
		config:            config,
		ledger:            l,
		confirm:           confirm,
		router:            router,
		reps:              reps,
		channels:          channels,
		metrics:           m,
		logger:            logger.WithField("prefix", "active_elections"),
		roots:             make(map[types.QualifiedRoot]*electionEntry),
		counts:            make(map[Behavior]int),
		winnerDetails:     make(map[types.Hash]*Election),
		recentlyConfirmed: NewRecentlyConfirmed(config.ConfirmationCacheSize),
		recentlyCemented:  NewRecentlyCemented(config.ConfirmationHistorySize),
		stopCh:            make(chan struct{}),
	}

	//Cementing feeds back into the election table
	confirm.Cemented.Add(a.OnBlockCemented)

	return a
}

//Start launches the request loop
func (a *ActiveElections) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return
	}
	a.started = true
	a.wg.Add(1)
	go a.requestLoop()
}

//Stop joins the request loop and erases every election
func (a *ActiveElections) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	close(a.stopCh)
	a.wg.Wait()

	for _, election := range a.List() {
		a.eraseElection(election, "stopping")
	}
}

//RecentlyCementedList returns the confirmation history
func (a *ActiveElections) RecentlyCementedList() []ElectionStatus {
	return a.recentlyCemented.List()
}

//RecentlyConfirmedSize returns the size of the re-election suppression
//cache
func (a *ActiveElections) RecentlyConfirmedSize() int {
	return a.recentlyConfirmed.Size()
}

//Insert starts an election for a block's root, or returns the existing one.
//A root that was recently confirmed yields no election at all. The erase
//callback is invoked when the election leaves the active set, letting the
//owning bucket drop its back-reference.
func (a *ActiveElections) Insert(block *types.Block, behavior Behavior, priority uint64, erase func(*Election)) InsertResult {
	root := block.QualifiedRoot()

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return InsertResult{}
	}
	if entry, ok := a.roots[root]; ok {
		a.mu.Unlock()
		return InsertResult{Election: entry.election, Inserted: false}
	}
	if a.recentlyConfirmed.RootExists(root) {
		a.mu.Unlock()
		return InsertResult{}
	}

	election := NewElection(block, behavior, priority, a.reps, a.electionConfirmed, a.logger)
	a.roots[root] = &electionEntry{election: election, erase: erase}
	a.counts[behavior]++
	a.metrics.Started.With("behavior", behavior.String()).Add(1)
	a.metrics.Active.Set(float64(len(a.roots)))
	a.mu.Unlock()

	a.router.Connect(block.Hash(), election)
	a.router.TriggerVoteCache(block.Hash())

	//Elections start soliciting right away; the request loop only keeps
	//them alive
	election.TransitionActive()
	a.broadcastVote(election)

	a.ActiveStarted.Notify(election)

	return InsertResult{Election: election, Inserted: true}
}

//broadcastVote announces a fresh election to the principal representatives:
//one confirm_req for its root plus a rebroadcast of the current winner
func (a *ActiveElections) broadcastVote(election *Election) {
	solicitor := NewSolicitor(a.reps.PrincipalRepresentatives(a.config.MaxPrincipalReps), a.channels, a.logger)
	solicitor.Add(election)
	solicitor.Broadcast(election)
	solicitor.Flush()
}

//Publish adds a competing block to the election for its root. Returns true
//when the block was added.
func (a *ActiveElections) Publish(block *types.Block) bool {
	a.mu.Lock()
	entry, ok := a.roots[block.QualifiedRoot()]
	a.mu.Unlock()

	if !ok {
		return false
	}

	a.metrics.PublishConflicts.Add(1)
	if !entry.election.AddBlock(block) {
		return false
	}
	a.router.Connect(block.Hash(), entry.election)
	a.router.TriggerVoteCache(block.Hash())
	return true
}

//Election returns the live election for a root, or nil
func (a *ActiveElections) Election(root types.QualifiedRoot) *Election {
	a.mu.Lock()
	defer a.mu.Unlock()

	if entry, ok := a.roots[root]; ok {
		return entry.election
	}
	return nil
}

//Exists reports whether a root has a live election
func (a *ActiveElections) Exists(root types.QualifiedRoot) bool {
	return a.Election(root) != nil
}

//Size returns the number of live elections
func (a *ActiveElections) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.roots)
}

//SizeBehavior returns the number of live elections of one behavior
func (a *ActiveElections) SizeBehavior(behavior Behavior) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[behavior]
}

//List returns a snapshot of the live elections
func (a *ActiveElections) List() []*Election {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Election, 0, len(a.roots))
	for _, entry := range a.roots {
		out = append(out, entry.election)
	}
	return out
}

func (a *ActiveElections) limit(behavior Behavior) int {
	switch behavior {
	case BehaviorManual:
		return math.MaxInt
	case BehaviorHinted:
		return a.config.Size * a.config.HintedLimitPercentage / 100
	case BehaviorOptimistic:
		return a.config.Size * a.config.OptimisticLimitPercentage / 100
	}
	return a.config.Size
}

//Vacancy returns how many more elections of a behavior may start. Negative
//values indicate overfill.
func (a *ActiveElections) Vacancy(behavior Behavior) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limit(behavior) - a.counts[behavior]
}

//Erase removes the election for a root. Returns true when one existed.
func (a *ActiveElections) Erase(root types.QualifiedRoot) bool {
	a.mu.Lock()
	entry, ok := a.roots[root]
	a.mu.Unlock()

	if !ok {
		return false
	}
	a.eraseElection(entry.election, "explicit")
	return true
}

//EraseBlock removes the election the block belongs to, if any
func (a *ActiveElections) EraseBlock(block *types.Block) bool {
	return a.Erase(block.QualifiedRoot())
}

func (a *ActiveElections) eraseElection(election *Election, reason string) {
	root := election.QualifiedRoot()

	a.mu.Lock()
	entry, ok := a.roots[root]
	if !ok || entry.election != election {
		a.mu.Unlock()
		return
	}
	delete(a.roots, root)
	a.counts[election.Behavior()]--
	a.metrics.Active.Set(float64(len(a.roots)))
	a.mu.Unlock()

	a.router.Disconnect(election)
	if entry.erase != nil {
		entry.erase(election)
	}

	//Blocks that lost, or never got decided, are reported as dropped
	if !election.Confirmed() {
		for _, block := range election.Blocks() {
			a.BlockDropped.Notify(block)
		}
	} else {
		winner := election.Winner()
		for hash, block := range election.Blocks() {
			if winner == nil || hash != winner.Hash() {
				a.BlockDropped.Notify(block)
			}
		}
	}

	a.metrics.Dropped.With("reason", reason).Add(1)
	a.ActiveStopped.Notify(election)

	a.logger.WithFields(logrus.Fields{
		"root":     root.String(),
		"state":    election.State().String(),
		"duration": election.Duration().String(),
		"reason":   reason,
	}).Debug("Election erased")
}

//electionConfirmed is the Election onConfirmed hook: records the winner and
//queues it for cementing
func (a *ActiveElections) electionConfirmed(election *Election, winner *types.Block) {
	hash := winner.Hash()

	a.recentlyConfirmed.Put(election.QualifiedRoot(), hash)

	a.mu.Lock()
	a.winnerDetails[hash] = election
	a.mu.Unlock()

	a.metrics.Confirmed.Add(1)
	a.confirm.Add(hash)
}

/* Request loop */

func (a *ActiveElections) requestLoop() {
	defer a.wg.Done()

	for {
		start := time.Now()

		a.requestConfirmations()

		//Sleep to the next loop boundary, but at least half an interval so
		//a slow pass cannot starve the election mutex
		elapsed := time.Since(start)
		wait := a.config.LoopInterval - elapsed
		if wait < a.config.LoopInterval/2 {
			wait = a.config.LoopInterval / 2
		}

		select {
		case <-a.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

func (a *ActiveElections) requestConfirmations() {
	elections := a.List()

	//Descending priority: lower priority values are more urgent
	sort.SliceStable(elections, func(i, j int) bool {
		return elections[i].Priority() < elections[j].Priority()
	})

	solicitor := NewSolicitor(a.reps.PrincipalRepresentatives(a.config.MaxPrincipalReps), a.channels, a.logger)

	for _, election := range elections {
		if election.TransitionTime(solicitor) {
			a.eraseElection(election, election.State().String())
		}
	}

	solicitor.Flush()
}

/* Cementing feedback */

//OnBlockCemented reacts to the confirming set finishing a block: it settles
//any live election on the same root, records the election status and kicks
//successor activation.
func (a *ActiveElections) OnBlockCemented(event CementedEvent) {
	block := event.Block
	hash := block.Hash()
	root := block.QualifiedRoot()

	//Snapshot which path saw the confirmation first, before try_confirm
	//muddies it
	a.mu.Lock()
	winnerElection := a.winnerDetails[hash]
	delete(a.winnerDetails, hash)
	a.mu.Unlock()

	election := a.Election(root)
	wasActive := election != nil && !election.State().terminal()
	if election != nil {
		election.TryConfirm(hash)

		//try_confirm records winner details of its own; this cementing is
		//already being handled
		a.mu.Lock()
		delete(a.winnerDetails, hash)
		a.mu.Unlock()
	}

	var status ElectionStatus
	switch {
	case winnerElection != nil:
		//Quorum observed the confirmation first
		status = winnerElection.Status(StatusActiveConfirmedQuorum)
	case election != nil && wasActive:
		status = election.Status(StatusActiveConfirmationHeight)
	default:
		//No election, or the election had already reached a terminal state
		//when the cementing callback arrived
		status = ElectionStatus{
			Winner:     block,
			BlockCount: 1,
			Time:       time.Now(),
			Type:       StatusInactiveConfirmationHeight,
		}
	}
	a.recentlyCemented.Put(status)

	sideband := block.Sideband()

	a.BalanceChanged.Notify(AccountBalanceEvent{Account: block.Account, Pending: false})
	if sideband != nil && sideband.Details.IsSend {
		a.BalanceChanged.Notify(AccountBalanceEvent{Account: block.Destination(), Pending: true})
	}

	//Kick the scheduler for the chains this block unblocks
	a.ActivateSuccessors.Notify(block.Account)
	if sideband != nil && sideband.Details.IsSend {
		a.ActivateSuccessors.Notify(block.Destination())
	}
}

//ContainerInfo implements common.ContainerInfoProvider
func (a *ActiveElections) ContainerInfo() common.ContainerInfo {
	a.mu.Lock()
	rootsCount := len(a.roots)
	winnerCount := len(a.winnerDetails)
	a.mu.Unlock()

	return common.ContainerInfo{
		Name: "active_elections",
		Children: []common.ContainerInfo{
			{Name: "roots", Count: rootsCount},
			{Name: "winner_details", Count: winnerCount},
			a.recentlyConfirmed.ContainerInfo(),
			a.recentlyCemented.ContainerInfo(),
		},
	}
}
