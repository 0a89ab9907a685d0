package odeon

import (
	"fmt"
	"sort"

	"github.com/i2y/odeon/correlation"
)

// Operation is an operation a process exposes on one of its partner links.
type Operation struct {
	PartnerLink string
	Name        string
	// Instantiating operations create a new process instance when no
	// waiting instance matches the message.
	Instantiating bool
}

// CorrelatorID returns the id of the correlator serving the operation.
func (o Operation) CorrelatorID() string {
	return correlation.CorrelatorID(o.PartnerLink, o.Name)
}

// ProcessDefinition describes a deployed process to the engine: the
// operations it receives messages on and the names of its correlation sets.
type ProcessDefinition struct {
	ID         string
	Operations []Operation
	// CorrelationSets maps the numeric ids older engine versions stored in
	// route and message keys to correlation set names.
	CorrelationSets map[int]string

	byCorrelator map[string]Operation
}

// ProcessID returns the process id.
func (p *ProcessDefinition) ProcessID() string {
	return p.ID
}

// CorrelationSetName returns the name of the correlation set with a legacy
// numeric id.
func (p *ProcessDefinition) CorrelationSetName(id int) (string, bool) {
	name, ok := p.CorrelationSets[id]
	return name, ok
}

// Operation looks up an operation by partner link and name.
func (p *ProcessDefinition) Operation(partnerLink, name string) (Operation, bool) {
	op, ok := p.byCorrelator[correlation.CorrelatorID(partnerLink, name)]
	return op, ok
}

// CorrelatorIDs returns the ids of all correlators of the process, sorted.
func (p *ProcessDefinition) CorrelatorIDs() []string {
	ids := make([]string, 0, len(p.byCorrelator))
	for id := range p.byCorrelator {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *ProcessDefinition) validate() error {
	if p.ID == "" {
		return fmt.Errorf("process definition has no id")
	}
	if len(p.Operations) == 0 {
		return fmt.Errorf("process %s has no operations", p.ID)
	}
	p.byCorrelator = make(map[string]Operation, len(p.Operations))
	for _, op := range p.Operations {
		if op.PartnerLink == "" || op.Name == "" {
			return fmt.Errorf("process %s: operation needs a partner link and a name", p.ID)
		}
		id := op.CorrelatorID()
		if _, dup := p.byCorrelator[id]; dup {
			return fmt.Errorf("process %s: duplicate operation %s", p.ID, id)
		}
		p.byCorrelator[id] = op
	}
	return nil
}
