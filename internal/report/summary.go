package report

import (
	"time"

	"github.com/kvesta/quietpatch/internal/vulnscan"
	"github.com/kvesta/quietpatch/pkg/severity"

	"github.com/shirou/gopsutil/host"
	log "github.com/sirupsen/logrus"
)

// Summary counts findings per label across a result set.
type Summary struct {
	Apps     int `json:"apps"`
	VulnApps int `json:"vuln_apps"`
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	None     int `json:"none"`
	Unknown  int `json:"unknown"`
	KEV      int `json:"kev"`
	Total    int `json:"total"`
}

func Summarize(results []vulnscan.ScanResult) Summary {
	var s Summary
	for _, r := range results {
		s.Apps++
		if len(r.Vulnerabilities) > 0 {
			s.VulnApps++
		}
		for _, v := range r.Vulnerabilities {
			s.Total++
			if v.KnownExploited {
				s.KEV++
			}
			switch v.Label {
			case severity.Critical:
				s.Critical++
			case severity.High:
				s.High++
			case severity.Medium:
				s.Medium++
			case severity.Low:
				s.Low++
			case severity.None:
				s.None++
			default:
				s.Unknown++
			}
		}
	}
	return s
}

// Meta describes where and against which snapshot a scan ran.
type Meta struct {
	Host        string    `json:"host,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	Kernel      string    `json:"kernel,omitempty"`
	DBSnapshot  string    `json:"db_snapshot"`
	DBEpoch     int       `json:"db_epoch,omitempty"`
	Online      bool      `json:"online"`
	GeneratedAt time.Time `json:"generated_at"`
}

// NewMeta fills the host fields from the running machine.
func NewMeta(snapshotDate string, epoch int, online bool) Meta {
	m := Meta{
		DBSnapshot:  snapshotDate,
		DBEpoch:     epoch,
		Online:      online,
		GeneratedAt: time.Now().UTC(),
	}

	info, err := host.Info()
	if err != nil {
		log.Debugf("failed to read host info: %v", err)
		return m
	}
	m.Host = info.Hostname
	m.Platform = info.Platform + " " + info.PlatformVersion
	m.Kernel = info.KernelVersion
	return m
}
