package cmd

import (
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"munet/api"
	"munet/pkg/config"
	"munet/pkg/logx"
	"munet/pkg/topo"
)

var showCmd = &cobra.Command{
	Use:       "show [nodes|links|allocation]",
	Short:     "Show the planned topology without building it",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"nodes", "links", "allocation"},
	RunE: func(cmd *cobra.Command, args []string) error {
		class := "nodes"
		if len(args) > 0 {
			class = args[0]
		}
		return show(class)
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}

// show plans the topology (no kernel mutation) and prints it.
func show(class string) error {
	log, err := logx.New(flagLogLevel)
	if err != nil {
		return err
	}
	loader, err := config.NewLoader(nil, log)
	if err != nil {
		return err
	}
	cfg, err := loader.Load(flagConfig, searchPath())
	if err != nil {
		return err
	}
	m, err := topo.New(cfg, topo.Options{Log: log})
	if err != nil {
		return err
	}

	w := tablewriter.NewWriter(os.Stdout)
	switch class {
	case "links":
		w.SetHeader([]string{"ID", "Class", "A", "B / Network"})
		for _, l := range m.Links {
			far := l.Network
			if l.Class == api.LinkP2P {
				far = l.B.Node + "/" + l.B.Ifname
			}
			if l.Class == api.LinkHostBind {
				far = l.HostIntf
			}
			if l.Class == api.LinkPhysical {
				far = l.Physical
			}
			w.Append([]string{
				itoa(l.ID), l.Class.String(),
				l.A.Node + "/" + l.A.Ifname, far,
			})
		}
	case "allocation":
		w.SetHeader([]string{"Network", "CIDR", "Bridge IP"})
		for _, nw := range m.Table.Networks {
			w.Append([]string{nw.Name, nw.CIDR, nw.BridgeIP})
		}
	default:
		w.SetHeader([]string{"Node", "ID", "Backend", "Interface", "Address"})
		for _, na := range m.Table.Nodes {
			backend := ""
			for i := range m.Nodes {
				if m.Nodes[i].Name == na.Name {
					backend = m.Nodes[i].Backend.String()
				}
			}
			if len(na.Interfaces) == 0 {
				w.Append([]string{na.Name, itoa(na.ID), backend, "-", "-"})
			}
			for _, ifc := range na.Interfaces {
				w.Append([]string{na.Name, itoa(na.ID), backend, ifc.Name, ifc.Addr})
			}
		}
	}
	w.Render()
	return nil
}

func itoa(i int) string { return strconv.Itoa(i) }
