package planner

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/execplan/planner/device"
)

// Partition assigns every node of one graph level to exactly one logical
// stream (§4.1). Streams[i] lists node indices in an order consistent with
// the graph's topological order; Providers[i] is the execution provider
// that stream runs on.
type Partition struct {
	Streams   [][]int
	Providers []device.ProviderType
}

// DefaultPartition assigns one stream per distinct execution provider seen
// among the graph's nodes, in first-encounter order, appending each node to
// its provider's stream in topological order (§4.1 mode 2).
func DefaultPartition(g GraphView) Partition {
	streamOfProvider := make(map[device.ProviderType]int)
	var part Partition
	for _, n := range g.Nodes() {
		streamIdx, ok := streamOfProvider[n.Provider]
		if !ok {
			streamIdx = len(part.Streams)
			streamOfProvider[n.Provider] = streamIdx
			part.Streams = append(part.Streams, nil)
			part.Providers = append(part.Providers, n.Provider)
		}
		part.Streams[streamIdx] = append(part.Streams[streamIdx], n.Index)
	}
	return part
}

// nodeDisplayNames returns, for every node in topological order, the name
// it is addressed by in a partition-config file: its own Name if set, else
// "<OpType><k>" where k is the zero-based occurrence index of that OpType
// seen so far in topological order (§4.1, §6).
func nodeDisplayNames(nodes []*Node) []string {
	names := make([]string, len(nodes))
	opTypeCount := make(map[string]int)
	for i, n := range nodes {
		if n.Name != "" {
			names[i] = n.Name
			continue
		}
		k := opTypeCount[n.OpType]
		opTypeCount[n.OpType] = k + 1
		names[i] = fmt.Sprintf("%s%d", n.OpType, k)
	}
	return names
}

// nodeIndexByDisplayName inverts nodeDisplayNames, also validating that
// every display name is unique (§4.1: "every node name referenced is
// unique").
func nodeIndexByDisplayName(nodes []*Node) (map[string]int, error) {
	names := nodeDisplayNames(nodes)
	byName := make(map[string]int, len(names))
	for i, name := range names {
		if _, exists := byName[name]; exists {
			return nil, newInvalidInput("partition config: duplicate node name %q", name)
		}
		byName[name] = nodes[i].Index
	}
	return byName, nil
}

// LoadOrCreatePartition implements the mode selection of §4.1: if
// configPath names a readable file, parse and validate it; if it names a
// path that doesn't exist but is writable, compute the default partition
// and persist it there; if configPath is empty, just compute the default
// partition without touching disk.
func LoadOrCreatePartition(configPath string, partitionerName string, g GraphView) (Partition, error) {
	if configPath == "" {
		return DefaultPartition(g), nil
	}
	f, err := os.Open(configPath)
	if err == nil {
		defer f.Close()
		part, perr := ParsePartitionConfig(f, g)
		if perr != nil {
			return Partition{}, errors.Wrapf(perr, "malformed partition config %q", configPath)
		}
		return part, nil
	}
	if !os.IsNotExist(err) {
		return Partition{}, errors.Wrapf(err, "opening partition config %q", configPath)
	}
	part := DefaultPartition(g)
	if werr := WritePartitionConfig(configPath, partitionerName, part, g); werr != nil {
		klog.Warningf("planner: could not persist default partition to %q: %v", configPath, werr)
	}
	return part, nil
}

// ParsePartitionConfig parses the line-based ASCII format documented in
// spec §6 and validates it against g.
func ParsePartitionConfig(r io.Reader, g GraphView) (Partition, error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return Partition{}, errors.Wrap(err, "reading partition config")
	}
	if len(lines) < 2 {
		return Partition{}, newInvalidInput("partition config: expected at least 2 header lines, got %d", len(lines))
	}

	// Line 1: partitioner name -- recorded for Dump/debug purposes only.
	_ = lines[0]

	// Line 2: "ExecutionProviders:<int>"
	const providersPrefix = "ExecutionProviders:"
	if !strings.HasPrefix(lines[1], providersPrefix) {
		return Partition{}, newInvalidInput("partition config: line 2 must start with %q, got %q", providersPrefix, lines[1])
	}
	numProviders, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(lines[1], providersPrefix)))
	if err != nil || numProviders < 0 {
		return Partition{}, newInvalidInput("partition config: invalid provider count on line 2: %q", lines[1])
	}

	if len(lines) < 2+numProviders {
		return Partition{}, newInvalidInput("partition config: expected %d provider lines, file has only %d lines after the header", numProviders, len(lines)-2)
	}

	var providers []device.ProviderType
	var streamCounts []int
	totalStreams := 0
	for i := 0; i < numProviders; i++ {
		line := lines[2+i]
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return Partition{}, newInvalidInput("partition config: provider line %d malformed: %q", i+1, line)
		}
		count, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || count < 0 {
			return Partition{}, newInvalidInput("partition config: provider line %d has invalid stream count: %q", i+1, line)
		}
		providers = append(providers, device.ProviderType(strings.TrimSpace(parts[0])))
		streamCounts = append(streamCounts, count)
		totalStreams += count
	}

	streamLines := lines[2+numProviders:]
	if len(streamLines) != totalStreams {
		return Partition{}, newInvalidInput("partition config: number of stream lines (%d) does not match sum of per-provider stream counts (%d)", len(streamLines), totalStreams)
	}

	byName, err := nodeIndexByDisplayName(g.Nodes())
	if err != nil {
		return Partition{}, err
	}

	part := Partition{}
	lineIdx := 0
	for p, provider := range providers {
		for s := 0; s < streamCounts[p]; s++ {
			line := strings.TrimSpace(streamLines[lineIdx])
			lineIdx++
			var nodeIndices []int
			if line != "" {
				for _, tok := range strings.Split(line, ",") {
					name := strings.TrimSpace(tok)
					idx, ok := byName[name]
					if !ok {
						return Partition{}, newInvalidInput("partition config: unknown node name %q", name)
					}
					nodeIndices = append(nodeIndices, idx)
				}
			}
			part.Streams = append(part.Streams, nodeIndices)
			part.Providers = append(part.Providers, provider)
		}
	}
	return part, nil
}

// WritePartitionConfig serializes part to path in the §6 format.
func WritePartitionConfig(path string, partitionerName string, part Partition, g GraphView) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating partition config %q", path)
	}
	defer f.Close()
	return EncodePartitionConfig(f, partitionerName, part, g)
}

// EncodePartitionConfig writes part in the §6 format to w.
func EncodePartitionConfig(w io.Writer, partitionerName string, part Partition, g GraphView) error {
	names := nodeDisplayNames(g.Nodes())
	nameByIndex := make(map[int]string, len(names))
	for i, n := range g.Nodes() {
		nameByIndex[n.Index] = names[i]
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, partitionerName)

	providerOrder := make([]device.ProviderType, 0)
	streamsPerProvider := make(map[device.ProviderType]int)
	for _, p := range part.Providers {
		if _, seen := streamsPerProvider[p]; !seen {
			providerOrder = append(providerOrder, p)
		}
		streamsPerProvider[p]++
	}
	fmt.Fprintf(bw, "ExecutionProviders:%d\n", len(providerOrder))
	for _, p := range providerOrder {
		fmt.Fprintf(bw, "%s:%d\n", p, streamsPerProvider[p])
	}

	// Stream lines must be grouped by provider in providerOrder to be a
	// valid round-trip of the format just written.
	for _, p := range providerOrder {
		for streamIdx, provider := range part.Providers {
			if provider != p {
				continue
			}
			names := make([]string, len(part.Streams[streamIdx]))
			for i, nodeIdx := range part.Streams[streamIdx] {
				names[i] = nameByIndex[nodeIdx]
			}
			fmt.Fprintln(bw, strings.Join(names, ","))
		}
	}
	return bw.Flush()
}
