package seed

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Dump file names written by the chemical cascade.
const (
	DumpMeshToUNII    = "mesh_to_unii.txt"
	DumpMeshToEC      = "mesh_to_EC.txt"
	DumpMeshToPubChem = "mesh_to_pubchem.txt"
)

// WriteDump writes one "key\tv1,v2\n" line per key, in key order.
func WriteDump(w io.Writer, entries map[string][]string) error {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	bw := bufio.NewWriter(w)
	for _, k := range keys {
		if _, err := fmt.Fprintf(bw, "%s\t%s\n", k, strings.Join(entries[k], ",")); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteDumpFile writes entries to path.
func WriteDumpFile(path string, entries map[string][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("seed: creating dump: %w", err)
	}
	if err := WriteDump(f, entries); err != nil {
		f.Close()
		return fmt.Errorf("seed: writing %s: %w", path, err)
	}
	return f.Close()
}

// ReadDump parses a dump. Blank lines are skipped; a line without a tab is an
// error.
func ReadDump(r io.Reader) (map[string][]string, error) {
	out := make(map[string][]string)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		key, value, ok := strings.Cut(text, "\t")
		if !ok || key == "" {
			return nil, fmt.Errorf("seed: dump line %d: expected key<TAB>value", line)
		}
		var values []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
		out[key] = append(out[key], values...)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("seed: reading dump: %w", err)
	}
	return out, nil
}

func singleValued(m map[string]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = []string{v}
	}
	return out
}
