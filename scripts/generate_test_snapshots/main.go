package main

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/chambridge/gpudash-aggregator/internal/config"
	"github.com/chambridge/gpudash-aggregator/internal/processor/testutils"
	"github.com/chambridge/gpudash-aggregator/internal/snapshot"
	"github.com/chambridge/gpudash-aggregator/internal/topology"
)

// testUsers is the identity table written next to the snapshot. uid 4003 is
// left out so the raw-id path shows up in the output.
var testUsers = map[string]string{
	"4001": "alice",
	"4002": "bob",
	"4004": "carol",
}

func main() {
	clusterName := pflag.String("cluster", "cluster1", "default cluster to generate nodes for")
	outputDir := pflag.String("out", "test_snapshots", "base directory to write uid2user.csv and data/ under")
	offline := pflag.Float64("offline", 0.1, "fraction of slots left unreported")
	seed := pflag.Int64("seed", 1, "random seed")
	pflag.Parse()

	var cluster *config.ClusterConfig
	for _, c := range config.DefaultClusters() {
		if c.Name == *clusterName {
			c := c
			cluster = &c
			break
		}
	}
	if cluster == nil {
		fmt.Fprintf(os.Stderr, "Unknown cluster %q\n", *clusterName)
		os.Exit(1)
	}
	cluster.BaseDir = *outputDir

	nodes, err := topology.NodeNames(*cluster)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate node names: %v\n", err)
		os.Exit(1)
	}
	topo := topology.New(cluster.Name, nodes, cluster.GPUsPerNode)

	rng := rand.New(rand.NewSource(*seed))
	uids := []string{"4001", "4002", "4003", "4004"}
	var util, uid, jobid []testutils.Sample
	for _, slot := range topo.Slots() {
		if rng.Float64() < *offline {
			continue
		}
		user := uids[rng.Intn(len(uids))]
		util = append(util, testutils.Sample{Host: slot.Node, Minor: slot.Index, Value: strconv.Itoa(rng.Intn(101))})
		uid = append(uid, testutils.Sample{Host: slot.Node, Minor: slot.Index, Value: user})
		jobid = append(jobid, testutils.Sample{Host: slot.Node, Minor: slot.Index, Value: strconv.Itoa(34790000 + rng.Intn(10000))})
	}

	ts := time.Now().UTC().Unix()
	dataDir := cluster.DataDir()
	for family, samples := range map[snapshot.Family][]testutils.Sample{
		snapshot.Util:  util,
		snapshot.UID:   uid,
		snapshot.JobID: jobid,
	} {
		if err := testutils.WriteFamily(dataDir, family, ts, samples); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write %s snapshot: %v\n", family.Name, err)
			os.Exit(1)
		}
	}
	if err := testutils.WriteIdentity(cluster.IdentityFile(), testUsers); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write identity file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully wrote %d of %d slots at %d under %s\n",
		len(util), topo.Size(), ts, filepath.Clean(*outputDir))
}
