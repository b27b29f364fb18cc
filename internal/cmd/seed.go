package cmd

import (
	"crypto/rand"
	"fmt"
	"maps"
	"math/big"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/chronofs/chronofs/archive"
	"github.com/chronofs/chronofs/archive/archivetest"
)

// NewSeedCmd creates and returns the seed subcommand for the chronofs
// CLI. It generates a synthetic backup chain for development and
// testing.
func NewSeedCmd() *cobra.Command {
	var p seedParams

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate a synthetic backup archive",
		Long: `Generate a synthetic backup chain for testing chronofs without real
backups: one full snapshot followed by incrementals that modify, add,
and delete files under a randomized directory structure. File content
is lines drawn from a pool of UUIDs, so deltas and deduplication get
exercised.

With --keyring the archive is encrypted for the keyring's identities.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, p)
		},
	}

	cmd.Flags().StringVarP(&p.output, "output", "o", "", "Output directory for archive files (required)")
	cmd.Flags().IntVarP(&p.snapshots, "snapshots", "n", 4, "Snapshots in the chain (one full, the rest incremental)")
	cmd.Flags().IntVarP(&p.files, "files", "f", 200, "Files in the full snapshot")
	cmd.Flags().StringVar(&p.codec, "codec", "zstd", "Payload codec: none, lz4, or zstd")
	cmd.Flags().StringVarP(&p.keyring, "keyring", "k", "", "Encrypt the archive for this age identities file")
	cmd.Flags().BoolVarP(&p.verbose, "verbose", "v", false, "Print generation progress")

	cmd.MarkFlagRequired("output")

	return cmd
}

type seedParams struct {
	output    string
	snapshots int
	files     int
	codec     string
	keyring   string
	verbose   bool
}

func runSeed(cmd *cobra.Command, p seedParams) error {
	if p.snapshots < 1 {
		return fmt.Errorf("need at least one snapshot, got %d", p.snapshots)
	}
	codec, err := archive.ParseCodec(p.codec)
	if err != nil {
		return err
	}

	opts := archivetest.Options{Dir: p.output, Codec: codec}
	if p.keyring != "" {
		keys, err := archive.LoadKeyring(p.keyring)
		if err != nil {
			return fmt.Errorf("keyring: %w", err)
		}
		opts.Keyring = keys
	}

	// A pool of 50 UUIDs reused across files keeps the content
	// realistic without being incompressible.
	pool := make([]string, 50)
	for i := range pool {
		pool[i] = uuid.New().String()
	}

	state := make(map[string]archivetest.File, p.files)
	for len(state) < p.files {
		state[randomPath()] = archivetest.File{Data: randomContent(pool)}
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	snaps := make([]archivetest.Snapshot, 0, p.snapshots)
	snaps = append(snaps, archivetest.Snapshot{Time: base, Files: maps.Clone(state)})
	for i := 1; i < p.snapshots; i++ {
		mutateState(state, pool)
		snaps = append(snaps, archivetest.Snapshot{
			Time:  base.AddDate(0, 0, i),
			Files: maps.Clone(state),
		})
	}

	if err := archivetest.WriteChain(opts, snaps...); err != nil {
		return err
	}

	if p.verbose {
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d snapshots to %s (%d files in the latest state)\n",
			len(snaps), p.output, len(state))
	}
	return nil
}

// mutateState applies one incremental's worth of churn: roughly a fifth
// of the files modified, a tenth added, a twentieth deleted.
func mutateState(state map[string]archivetest.File, pool []string) {
	paths := make([]string, 0, len(state))
	for p := range state {
		paths = append(paths, p)
	}

	for range len(paths)/5 + 1 {
		p := paths[randInt(len(paths))]
		f := state[p]
		f.Data += randomContent(pool)
		state[p] = f
	}
	for range len(paths)/10 + 1 {
		state[randomPath()] = archivetest.File{Data: randomContent(pool)}
	}
	for range len(paths) / 20 {
		delete(state, paths[randInt(len(paths))])
	}
}

// randomPath builds a nested path like docs/07/1a2b3c4d.txt, one to
// four levels deep.
func randomPath() string {
	tops := []string{"docs", "media", "code", "logs"}
	parts := []string{tops[randInt(len(tops))]}
	for range randInt(3) {
		parts = append(parts, fmt.Sprintf("%02d", randInt(32)))
	}

	ext := ".txt"
	if randInt(2) == 1 {
		ext = ".json"
	}
	name := fmt.Sprintf("%08x%s", randInt(1<<31), ext)
	return path.Join(append(parts, name)...)
}

// randomContent is a handful of newline-terminated lines from the UUID
// pool.
func randomContent(pool []string) string {
	var b strings.Builder
	for range 1 + randInt(8) {
		b.WriteString(pool[randInt(len(pool))])
		b.WriteByte('\n')
	}
	return b.String()
}

func randInt(n int) int {
	v, _ := rand.Int(rand.Reader, big.NewInt(int64(n)))
	return int(v.Int64())
}
