package sites

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"
)

// SiteNotFoundError represents an error when a site is not found
type SiteNotFoundError struct {
	ID uint
}

func (e *SiteNotFoundError) Error() string {
	return fmt.Sprintf("site not found: %d", e.ID)
}

// Site represents a tracked website
type Site struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name       string    `gorm:"index;not null" json:"name"`
	Domain     string    `gorm:"uniqueIndex;not null" json:"domain"` // Base domain, e.g., "example.com"
	TrackingID string    `gorm:"uniqueIndex;size:36;not null" json:"tracking_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// GetSiteByID retrieves a site by its ID
func GetSiteByID(db *gorm.DB, id uint) (Site, error) {
	var site Site
	if err := db.First(&site, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Site{}, &SiteNotFoundError{ID: id}
		}
		return Site{}, fmt.Errorf("failed to get site: %w", err)
	}
	return site, nil
}

// GetAllSites retrieves all sites ordered by ID
func GetAllSites(db *gorm.DB) ([]Site, error) {
	var sites []Site
	if err := db.Order("id").Find(&sites).Error; err != nil {
		return nil, fmt.Errorf("failed to get sites: %w", err)
	}
	return sites, nil
}

// GetAllSiteIDs returns the IDs of every site, ascending.
func GetAllSiteIDs(db *gorm.DB) ([]uint, error) {
	var ids []uint
	if err := db.Model(&Site{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list site ids: %w", err)
	}
	return ids, nil
}

// CreateSite creates a new site, assigning a tracking ID when missing.
func CreateSite(db *gorm.DB, site *Site) error {
	site.Domain = NormalizeDomain(site.Domain)
	if site.Name == "" {
		site.Name = site.Domain
	}
	if site.TrackingID == "" {
		site.TrackingID = uuid.NewString()
	}
	now := time.Now().UTC()
	site.CreatedAt = now
	site.UpdatedAt = now
	return db.Create(site).Error
}

// FindOrCreate returns the site matching name or domain, creating it when
// neither matches. A matched site takes on the incoming name and domain.
// The boolean reports whether a new site was created.
func FindOrCreate(logger *slog.Logger, db *gorm.DB, name, domain string) (*Site, bool, error) {
	domain = NormalizeDomain(domain)
	name = strings.TrimSpace(name)
	if name == "" && domain == "" {
		return nil, false, errors.New("site name or domain is required")
	}
	if name == "" {
		name = domain
	}
	if domain == "" {
		domain = NormalizeDomain(strings.ReplaceAll(strings.ToLower(name), " ", "-"))
	}

	var site Site
	created := false
	err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		site = Site{}
		created = false
		err := tx.Where("name = ? OR domain = ?", name, domain).Order("id").First(&site).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			site = Site{Name: name, Domain: domain}
			created = true
			return CreateSite(tx, &site)
		}
		if err != nil {
			return err
		}

		if site.Name == name && site.Domain == domain {
			return nil
		}
		updates := map[string]any{"name": name, "updated_at": time.Now().UTC()}
		if domain != site.Domain {
			var clash int64
			if err := tx.Model(&Site{}).Where("domain = ? AND id <> ?", domain, site.ID).Count(&clash).Error; err != nil {
				return err
			}
			if clash == 0 {
				updates["domain"] = domain
			}
		}
		if err := tx.Model(&site).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&site, site.ID).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to find or create site %q: %w", name, err)
	}

	if created {
		logger.Info("Created site", slog.Uint64("site_id", uint64(site.ID)), slog.String("domain", site.Domain))
	}
	return &site, created, nil
}

// EnsurePlaceholder finds or creates a stand-in site for an external
// identifier that was referenced before (or without) being declared.
func EnsurePlaceholder(logger *slog.Logger, db *gorm.DB, externalID string) (*Site, bool, error) {
	short := externalID
	if len(short) > 8 {
		short = short[:8]
	}
	return FindOrCreate(logger, db, "Site "+short, "unknown-"+short+".com")
}

// NormalizeDomain lowercases a domain and drops scheme, path and "www.".
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return strings.TrimPrefix(d, "www.")
}

// BaseDomainForHost returns the canonical base domain for a hostname, preserving localhost
// semantics while collapsing known subdomain patterns (e.g. foo.example.com -> example.com).
func BaseDomainForHost(host string) string {
	parts := strings.Split(strings.ToLower(host), ".")
	if len(parts) < 2 {
		return host
	}

	lastPart := parts[len(parts)-1]
	if lastPart == "localhost" {
		return "localhost"
	}

	secondLast := parts[len(parts)-2]

	// Country-specific TLDs that use a two-part structure
	if len(parts) > 2 && twoPartTLDs[secondLast+"."+lastPart] {
		return parts[len(parts)-3] + "." + secondLast + "." + lastPart
	}

	return secondLast + "." + lastPart
}

var twoPartTLDs = map[string]bool{
	"co.uk":  true,
	"co.jp":  true,
	"co.za":  true,
	"co.nz":  true,
	"co.in":  true,
	"com.au": true,
	"com.br": true,
	"org.uk": true,
	"gov.uk": true,
	"edu.au": true,
	"ac.uk":  true,
	"ne.jp":  true,
	"or.jp":  true,
}
