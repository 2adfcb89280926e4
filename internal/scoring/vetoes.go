package scoring

import (
	"strings"

	"github.com/diskguardian/diskguardian/internal/model"
)

// checkVetoes evaluates the fixed veto ladder (a)-(g). Returns the first
// triggered veto reason; order matches spec so logs are deterministic.
func (e *Engine) checkVetoes(cand model.Candidate, category string) (vetoed bool, reason string) {
	if cand.Excluded {
		return true, "protection marker or protected glob"
	}
	if cand.IsOpen {
		return true, "path is open by a process"
	}
	if e.minFileAgeMinutes > 0 && cand.Age.Minutes() < e.minFileAgeMinutes {
		return true, "below minimum file age"
	}
	if requiredBuffer, ok := e.specialLocationBuffer(cand.Path); ok && cand.SizeBytes < requiredBuffer {
		return true, "below required buffer for special location"
	}
	if category == "" || category == "Unknown" {
		if !signalsConfirmed(cand.Signals) {
			return true, "unknown classification without structural confirmation"
		}
	}
	if cand.Signals.HasGit && !cand.Signals.HasCargoToml && !cand.Signals.HasPackageJSON && !cand.Signals.HasGoMod {
		return true, "ambiguous source tree: git without recognized build manifest"
	}
	if floor, ok := e.cfg.CategoryFloorsBytes[category]; ok && cand.SizeBytes < floor {
		return true, "below category size floor"
	}
	return false, ""
}

func (e *Engine) specialLocationBuffer(path string) (uint64, bool) {
	for prefix, buffer := range e.cfg.SpecialLocationBuffersBytes {
		if strings.HasPrefix(path, prefix) {
			return buffer, true
		}
	}
	return 0, false
}

func signalsConfirmed(signals model.StructuralSignals) bool {
	return signals.HasCargoToml || signals.HasPackageJSON || signals.HasGoMod ||
		signals.HasMakefile || signals.HasDockerfile
}
