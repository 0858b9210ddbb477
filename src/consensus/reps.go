package consensus

import (
	"sync"

	"github.com/trellis-network/trellis/src/transport"
	"github.com/trellis-network/trellis/src/types"
)

//Representative is a voting account with its weight and, when known, the
//channel it votes through
type Representative struct {
	Account types.Account
	Weight  types.Amount
	Channel *transport.Channel
}

//RepProvider supplies the principal representatives and the quorum
//threshold. Production nodes back this with a representative crawler; tests
//use StaticReps.
type RepProvider interface {
	//PrincipalRepresentatives returns up to max reps whose weight exceeds
	//the principal threshold
	PrincipalRepresentatives(max int) []Representative

	//Weight returns the voting weight of an account
	Weight(account types.Account) types.Amount

	//Quorum is the tally a hash needs to win an election
	Quorum() types.Amount
}

//StaticReps is a fixed representative table
type StaticReps struct {
	mu     sync.Mutex
	reps   []Representative
	quorum types.Amount
}

func NewStaticReps(quorum types.Amount) *StaticReps {
	return &StaticReps{quorum: quorum}
}

//Register adds or updates a representative
func (s *StaticReps) Register(account types.Account, weight types.Amount, channel *transport.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.reps {
		if s.reps[i].Account == account {
			s.reps[i].Weight = weight
			s.reps[i].Channel = channel
			return
		}
	}
	s.reps = append(s.reps, Representative{
		Account: account,
		Weight:  weight,
		Channel: channel,
	})
}

//PrincipalRepresentatives implements RepProvider
func (s *StaticReps) PrincipalRepresentatives(max int) []Representative {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.reps)
	if max < n {
		n = max
	}
	out := make([]Representative, n)
	copy(out, s.reps[:n])
	return out
}

//Weight implements RepProvider
func (s *StaticReps) Weight(account types.Account) types.Amount {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rep := range s.reps {
		if rep.Account == account {
			return rep.Weight
		}
	}
	return 0
}

//Quorum implements RepProvider
func (s *StaticReps) Quorum() types.Amount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quorum
}
