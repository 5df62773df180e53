package forward

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/util"
)

// ParseForwardArg parses a forward specification string.
// Accepts "srcPort:dstHost:dstPort" or "srcAddr:srcPort:dstHost:dstPort",
// optionally prefixed with "L:" (the default) or "R:" for a remote forward.
func ParseForwardArg(s string) (model.ForwardSpec, error) {
	spec := model.ForwardSpec{Direction: model.ForwardLocal}
	switch {
	case strings.HasPrefix(s, "L:"), strings.HasPrefix(s, "l:"):
		s = s[2:]
	case strings.HasPrefix(s, "R:"), strings.HasPrefix(s, "r:"):
		spec.Direction = model.ForwardRemote
		s = s[2:]
	}

	parts := strings.Split(s, ":")
	switch len(parts) {
	case 3:
		spec.SrcAddr = "127.0.0.1"
	case 4:
		spec.SrcAddr = parts[0]
		parts = parts[1:]
	default:
		return model.ForwardSpec{}, fmt.Errorf("forward format must be [L:|R:]srcPort:dstHost:dstPort or [L:|R:]srcAddr:srcPort:dstHost:dstPort")
	}

	sp, err := strconv.Atoi(parts[0])
	if err != nil {
		return model.ForwardSpec{}, fmt.Errorf("invalid source port: %w", err)
	}
	if err := util.ValidatePort(sp); err != nil {
		return model.ForwardSpec{}, err
	}
	dp, err := strconv.Atoi(parts[2])
	if err != nil {
		return model.ForwardSpec{}, fmt.Errorf("invalid destination port: %w", err)
	}
	if err := util.ValidatePort(dp); err != nil {
		return model.ForwardSpec{}, err
	}
	if strings.TrimSpace(parts[1]) == "" {
		return model.ForwardSpec{}, fmt.Errorf("destination host is empty")
	}

	spec.SrcPort = sp
	spec.DstAddr = parts[1]
	spec.DstPort = dp
	return spec, nil
}
