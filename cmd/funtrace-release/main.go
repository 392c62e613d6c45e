// Command funtrace-release builds the symbol map a funtrace snapshot
// viewer needs to turn addresses back into function names and source
// lines: it reads a deploy binary and its paired debug binary (named
// "<deploy>-dbg", following the teacher's releaser/main.go convention),
// checks that the two agree section-for-section, and writes a JSON symbol
// map to "<deploy>.funtrace-syms.json" -- a local artifact, replacing the
// teacher's releaser HTTP POST to a hosted backend, since funtrace has no
// such backend (spec.md's Non-goals exclude a hosted service).
package main

import (
	"crypto/sha512"
	"debug/dwarf"
	"debug/elf"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
)

// LineEntry is a pared-down dwarf.LineEntry: an address, source file, and
// line number.
type LineEntry struct {
	Address  uint64 `json:"address"`
	FileName string `json:"file"`
	Line     int    `json:"line"`
}

// Symbol is a pared-down elf.Symbol.
type Symbol struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
}

// SymbolMap is the artifact this command emits: enough information for a
// snapshot reader to resolve every AddrAndFlags word in a captured trace
// back to a function name and, where DWARF line info is present, a source
// location.
type SymbolMap struct {
	DeployChecksum string      `json:"deploy_checksum"`
	CommitHash     string      `json:"commit_hash,omitempty"`
	Symbols        []Symbol    `json:"symbols"`
	Lines          []LineEntry `json:"lines"`
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s deploy-binary\n", os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	deployPath := os.Args[1]
	debugPath := deployPath + "-dbg"

	if !sectionsMatch(deployPath, debugPath) {
		log.Fatalf("funtrace-release: %s and %s disagree on section contents; rebuild debug alongside deploy", deployPath, debugPath)
	}

	sm := &SymbolMap{
		DeployChecksum: checksum(deployPath),
		CommitHash:     commitHash(),
	}
	symbolize(sm, debugPath)

	out := deployPath + ".funtrace-syms.json"
	if err := writeJSON(out, sm); err != nil {
		log.Fatalf("funtrace-release: writing %s: %v", out, err)
	}
	log.Printf("funtrace-release: wrote %s (%d symbols, %d line entries)", out, len(sm.Symbols), len(sm.Lines))
}

// symbolize reads both the ELF symbol table and DWARF line-number program
// out of the debug binary, following the same two passes as the teacher's
// Release.symbolize.
func symbolize(sm *SymbolMap, debugPath string) {
	f, err := elf.Open(debugPath)
	if err != nil {
		log.Fatalf("funtrace-release: opening debug binary %s: %v", debugPath, err)
	}
	defer f.Close()

	if syms, err := f.Symbols(); err == nil {
		for _, s := range syms {
			if s.Value == 0 || s.Name == "" {
				continue
			}
			sm.Symbols = append(sm.Symbols, Symbol{Name: s.Name, Value: s.Value})
		}
	} else {
		log.Printf("funtrace-release: %s has no ELF symbol table: %v", debugPath, err)
	}

	d, err := f.DWARF()
	if err != nil {
		log.Printf("funtrace-release: %s has no DWARF info, line lookup unavailable: %v", debugPath, err)
		return
	}
	r := d.Reader()
	for {
		entry, err := r.Next()
		if entry == nil || err != nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}
		lr, err := d.LineReader(entry)
		if err != nil || lr == nil {
			continue
		}
		for {
			var le dwarf.LineEntry
			if err := lr.Next(&le); err == io.EOF {
				break
			} else if err != nil {
				break
			}
			if le.File == nil {
				continue
			}
			sm.Lines = append(sm.Lines, LineEntry{
				Address:  le.Address,
				FileName: le.File.Name,
				Line:     le.Line,
			})
		}
	}
}

// sectionsMatch compares every non-string-table section's content hash
// between the deploy and debug binaries, rejecting the pair if the code
// they describe has actually diverged (the teacher's releaser refuses to
// publish symbol data for the wrong binary for the same reason).
func sectionsMatch(deployPath, debugPath string) bool {
	deployFile, err := elf.Open(deployPath)
	if err != nil {
		log.Fatalf("funtrace-release: opening deploy binary %s: %v", deployPath, err)
	}
	defer deployFile.Close()

	debugFile, err := elf.Open(debugPath)
	if err != nil {
		log.Fatalf("funtrace-release: opening debug binary %s: %v", debugPath, err)
	}
	defer debugFile.Close()

	for _, sect := range deployFile.Sections {
		if sect == nil || sect.Type == elf.SHT_STRTAB || sect.Type == elf.SHT_NOBITS {
			continue
		}
		other := debugFile.Section(sect.Name)
		if other == nil {
			log.Printf("funtrace-release: debug binary lacks section %s present in deploy binary", sect.Name)
			continue
		}
		if sectionHash(sect) != sectionHash(other) {
			log.Printf("funtrace-release: section %s differs between deploy and debug binaries", sect.Name)
			return false
		}
	}
	return true
}

func sectionHash(s *elf.Section) string {
	h := sha512.New512_224()
	if _, err := io.Copy(h, s.Open()); err != nil {
		log.Fatalf("funtrace-release: reading section %s: %v", s.Name, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func checksum(path string) string {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("funtrace-release: opening %s: %v", path, err)
	}
	defer f.Close()
	h := sha512.New512_224()
	if _, err := io.Copy(h, f); err != nil {
		log.Fatalf("funtrace-release: hashing %s: %v", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// commitHash reports the current git HEAD, best-effort: a build done
// outside a git checkout still produces a symbol map, just without it.
func commitHash() string {
	out, err := exec.Command("git", "rev-parse", "HEAD").CombinedOutput()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func writeJSON(path string, sm *SymbolMap) error {
	b, err := json.MarshalIndent(sm, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
