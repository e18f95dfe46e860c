package link

import (
	"fmt"

	ns "github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netlink"

	"munet/api"
	"munet/pkg/util"
)

// tbf queue defaults, in bytes: one MTU-ish frame of queue, two of
// burst.
const (
	defTbfLimit = 1518
	defTbfBurst = 1518 * 2
)

// default correlation percentages when jitter/loss are set without one
const (
	defJitterCorr = 10
	defLossCorr   = 25
)

// netemParams is the parsed delay/jitter/loss side of a constraint
// group.
type netemParams struct {
	latencyUsec uint32
	jitterUsec  uint32
	jitterCorr  float32
	loss        float32
	lossCorr    float32
}

func (p netemParams) empty() bool {
	return p.latencyUsec == 0 && p.jitterUsec == 0 && p.loss == 0
}

// tbfParams is the parsed token-bucket side.
type tbfParams struct {
	rateBps uint64 // bytes per second
	limit   uint32
	burst   uint32
}

// parseNetem validates and converts the netem-relevant fields. Delay
// and jitter are in microseconds, loss and correlations percentages.
func parseNetem(c api.Constraints) (netemParams, error) {
	var p netemParams

	delay, err := util.NumberOr(c.Delay, 0)
	if err != nil {
		return p, err
	}
	p.latencyUsec = uint32(delay)

	if c.Jitter.IsSet() {
		if !c.Delay.IsSet() {
			return p, api.Errorf(api.ErrConfigInvalid, "jitter requires delay")
		}
		jitter, err := util.ConvertNumber(c.Jitter.Raw())
		if err != nil {
			return p, err
		}
		p.jitterUsec = uint32(jitter)
		corr, err := util.NumberOr(c.JitterCorrelation, defJitterCorr)
		if err != nil {
			return p, err
		}
		p.jitterCorr = float32(corr)
	}
	if c.Loss.IsSet() {
		loss, err := util.ConvertNumber(c.Loss.Raw())
		if err != nil {
			return p, err
		}
		p.loss = float32(loss)
		corr, err := util.NumberOr(c.LossCorrelation, defLossCorr)
		if err != nil {
			return p, err
		}
		p.lossCorr = float32(corr)
	}
	return p, nil
}

// parseTbf converts the rate group. The declared rate is bits per
// second; the kernel wants bytes.
func parseTbf(r *api.Rate) (tbfParams, error) {
	var p tbfParams
	if r == nil || !r.Rate.IsSet() {
		return p, nil
	}
	rate, err := util.ConvertNumber(r.Rate.Raw())
	if err != nil {
		return p, err
	}
	p.rateBps = uint64(rate) / 8
	limit, err := util.NumberOr(r.Limit, defTbfLimit)
	if err != nil {
		return p, err
	}
	p.limit = uint32(limit)
	burst, err := util.NumberOr(r.Burst, defTbfBurst)
	if err != nil {
		return p, err
	}
	p.burst = uint32(burst)
	return p, nil
}

// ApplyConstraints builds the qdisc chain on the node-side interface:
// tbf alone at root, netem alone at root, or netem as the child of tbf
// so delay and loss act on already-shaped traffic.
func (m *Manager) ApplyConstraints(nsPath, ifname string, c api.Constraints) error {
	if c.Empty() {
		return nil
	}
	np, err := parseNetem(c)
	if err != nil {
		return err
	}
	tp, err := parseTbf(c.Rate)
	if err != nil {
		return err
	}

	netNs, err := ns.GetNS(nsPath)
	if err != nil {
		return api.WrapErr(api.ErrBackendUnavailable, err, "namespace %s", nsPath)
	}
	defer netNs.Close()

	return netNs.Do(func(_ ns.NetNS) error {
		lk, err := netlink.LinkByName(ifname)
		if err != nil {
			return api.WrapErr(api.ErrIfaceNotFound, err, "interface %q", ifname)
		}
		parent := uint32(netlink.HANDLE_ROOT)
		handle := netlink.MakeHandle(1, 0)

		if tp.rateBps > 0 {
			tbf := &netlink.Tbf{
				QdiscAttrs: netlink.QdiscAttrs{
					LinkIndex: lk.Attrs().Index,
					Handle:    handle,
					Parent:    parent,
				},
				Rate:   tp.rateBps,
				Limit:  tp.limit,
				Buffer: tp.burst,
			}
			if err := netlink.QdiscAdd(tbf); err != nil {
				return fmt.Errorf("tbf on %s: %w", ifname, err)
			}
			parent = handle
			handle = netlink.MakeHandle(2, 0)
		}
		if !np.empty() {
			netem := netlink.NewNetem(netlink.QdiscAttrs{
				LinkIndex: lk.Attrs().Index,
				Handle:    handle,
				Parent:    parent,
			}, netlink.NetemQdiscAttrs{
				Latency:   np.latencyUsec,
				Jitter:    np.jitterUsec,
				DelayCorr: np.jitterCorr,
				Loss:      np.loss,
				LossCorr:  np.lossCorr,
			})
			if err := netlink.QdiscAdd(netem); err != nil {
				return fmt.Errorf("netem on %s: %w", ifname, err)
			}
		}
		m.log.Debugf("qdisc chain applied on %s", ifname)
		return nil
	})
}
