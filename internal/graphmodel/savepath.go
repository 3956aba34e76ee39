package graphmodel

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const rdbTimestampLayout = "060102T1504"

// ResolveSaveDir computes the per-run save directory:
// <dataDir>/<participantID>/<YYYY-MM-DD>/RawData. The participant ID
// comes from metadata.ParticipantFile (a YAML file with a nested
// metadata.participant_id, read only if it exists) when set, else from
// metadata.ParticipantID directly, else it defaults to "0".
func ResolveSaveDir(dataDir string, metadata *Metadata, now time.Time) (string, error) {
	participantID, err := resolveParticipantID(metadata)
	if err != nil {
		return "", err
	}
	session := now.Format("2006-01-02")
	return filepath.Abs(filepath.Join(dataDir, participantID, session, "RawData"))
}

func resolveParticipantID(metadata *Metadata) (string, error) {
	if metadata == nil {
		return "0", nil
	}

	if metadata.ParticipantFile != "" {
		if _, err := os.Stat(metadata.ParticipantFile); err == nil {
			data, err := os.ReadFile(metadata.ParticipantFile)
			if err != nil {
				return "", fmt.Errorf("graphmodel: reading participant file: %w", err)
			}
			var parsed struct {
				Metadata struct {
					ParticipantID any `yaml:"participant_id"`
				} `yaml:"metadata"`
			}
			if err := yaml.Unmarshal(data, &parsed); err != nil {
				return "", fmt.Errorf("graphmodel: parsing participant file: %w", err)
			}
			if parsed.Metadata.ParticipantID != nil {
				return fmt.Sprintf("%v", parsed.Metadata.ParticipantID), nil
			}
		}
	}

	if metadata.ParticipantID != "" {
		return metadata.ParticipantID, nil
	}

	return "0", nil
}

// RDBDir returns the RDB snapshot subdirectory under saveDir.
func RDBDir(saveDir string) string {
	return filepath.Join(saveDir, "RDB")
}

// NWBDir returns the NWB export subdirectory under saveDir.
func NWBDir(saveDir string) string {
	return filepath.Join(saveDir, "NWB")
}

// RDBFilename builds the snapshot filename for graphName loaded at now:
// <participantID>_<YYMMDDTHHMM>_<graphName>.rdb. The participant ID is
// recovered from saveDir's layout (two path segments above RawData)
// rather than passed separately, since that's the only copy callers
// reliably have once a save directory has been resolved.
func RDBFilename(saveDir, graphName string, now time.Time) string {
	participant := filepath.Base(filepath.Dir(filepath.Dir(saveDir)))
	return fmt.Sprintf("%s_%s_%s.rdb", participant, now.Format(rdbTimestampLayout), graphName)
}

// IdleRDBFilename builds the snapshot filename used when flushing or
// resetting the store outside of a loaded graph: idle_<YYMMDDTHHMM>.rdb.
func IdleRDBFilename(now time.Time) string {
	return fmt.Sprintf("idle_%s.rdb", now.Format(rdbTimestampLayout))
}
