package filter

import (
	"fmt"

	"firestige.xyz/vswitch/internal/graph"
	"firestige.xyz/vswitch/internal/metrics"
	"firestige.xyz/vswitch/internal/packet"
)

// NodeName is the entry of the filter tables in the switch graph.
const NodeName = "ingress-filter"

// Config is one filter of a table.
type Config struct {
	Kind    string         `mapstructure:"kind"`
	Name    string         `mapstructure:"name"`
	Options map[string]any `mapstructure:"options"`
}

// TableConfig is one ingress table and its filters, in order.
type TableConfig struct {
	Name    string   `mapstructure:"name"`
	Filters []Config `mapstructure:"filters"`
}

// Table is one stage of filters, exposed as a graph node. When every filter
// passes, the packet recirculates to the next table, or to the exit node
// after the last one.
type Table struct {
	graph.Base
	filters []Filter
	next    string
	helper  *Helper
	insp    *metrics.Inspection
}

func (t *Table) Filters() []Filter { return t.filters }

func (t *Table) Handle(pkb *packet.Buffer) graph.Result {
	for _, f := range t.filters {
		r := f.HandleIngress(t.helper, pkb)
		t.insp.FilterVerdictsTotal.WithLabelValues(f.Name(), r.String()).Inc()
		switch r {
		case Pass:
			continue
		case Drop:
			return graph.Drop()
		case Redirect:
			return graph.Redirect(pkb.DevRedirect)
		case Tx:
			return graph.Redirect(pkb.DevIn)
		default:
			return graph.Drop()
		}
	}
	return graph.Goto(t.next)
}

// BuildTables instantiates the configured tables. The first table is named
// NodeName and the chain ends at exit. Without tables a single empty table
// forwards straight to exit.
func BuildTables(reg *Registry, helper *Helper, insp *metrics.Inspection, tables []TableConfig, exit string) ([]*Table, error) {
	if insp == nil {
		insp = metrics.NewInspection()
	}
	if len(tables) == 0 {
		tables = []TableConfig{{}}
	}
	out := make([]*Table, len(tables))
	for i, tc := range tables {
		name := NodeName
		if i > 0 {
			name = fmt.Sprintf("%s:%d", NodeName, i)
			if tc.Name != "" {
				name = NodeName + ":" + tc.Name
			}
		}
		t := &Table{Base: graph.NewBase(name), helper: helper, insp: insp}
		for _, fc := range tc.Filters {
			fname := fc.Name
			if fname == "" {
				fname = fc.Kind
			}
			f, err := reg.Create(fc.Kind, fname, fc.Options)
			if err != nil {
				return nil, fmt.Errorf("table %d: %w", i, err)
			}
			t.filters = append(t.filters, f)
		}
		out[i] = t
	}
	for i, t := range out {
		if i+1 < len(out) {
			t.next = out[i+1].Name()
		} else {
			t.next = exit
		}
	}
	return out, nil
}
