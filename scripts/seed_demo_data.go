// Seeds a demo document set for exercising the guard locally: an admin
// user, three documents with sections, and tags arranged to trip the
// default rules at different proximity levels.
//
// Usage: go run scripts/seed_demo_data.go [-config config.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/govsentry/cag/internal/auth"
	"github.com/govsentry/cag/internal/config"
	"github.com/govsentry/cag/internal/models"
	"github.com/govsentry/cag/internal/store"
)

type sectionSeed struct {
	volume int
	number string
	title  string
	tags   []tagSeed
}

type tagSeed struct {
	category  models.Category
	text      string
	paragraph int
}

type documentSeed struct {
	title    string
	sections []sectionSeed
}

var seedDocuments = []documentSeed{
	{
		// Same-paragraph CAPABILITY+LOCATION hit (agg-001).
		title: "Maritime Sensor Integration Proposal",
		sections: []sectionSeed{
			{
				volume: 1, number: "1.2", title: "Technical Approach",
				tags: []tagSeed{
					{models.CategoryCapability, "detection range of 40nm in sea state 5", 3},
					{models.CategoryLocation, "staged from Naval Station Rota", 3},
					{models.CategoryProgram, "Project SEAWATCH", 1},
				},
			},
			{
				volume: 1, number: "2.1", title: "Management Plan",
				tags: []tagSeed{
					{models.CategoryPersonnel, "Dr. E. Vance, chief architect", 1},
				},
			},
		},
	},
	{
		// Cross-section spread only; nothing fires below cross-section scope.
		title: "Logistics Support Annex",
		sections: []sectionSeed{
			{
				volume: 1, number: "3.1", title: "Staging",
				tags: []tagSeed{
					{models.CategoryTiming, "surge window opens Q2 FY27", 2},
				},
			},
			{
				volume: 2, number: "1.4", title: "Throughput",
				tags: []tagSeed{
					{models.CategoryScale, "200 sorties per day sustained", 1},
				},
			},
		},
	},
	{
		// Broad aggregation in one section (agg-007).
		title: "Integrated Capability Overview",
		sections: []sectionSeed{
			{
				volume: 1, number: "1.1", title: "Executive Summary",
				tags: []tagSeed{
					{models.CategoryProgram, "Program NIGHTSHADE overview", 1},
					{models.CategoryCapability, "autonomous loiter up to 14 hours", 2},
					{models.CategoryTiming, "IOC planned for March 2028", 2},
					{models.CategoryRelationship, "co-developed with two allied partners", 4},
				},
			},
		},
	},
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	adminPassword := flag.String("admin-password", "changeme123", "password for the seeded admin user")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer st.Close()

	ctx := context.Background()

	if err := seedAdmin(ctx, st, *adminPassword); err != nil {
		log.Fatalf("seeding admin user: %v", err)
	}

	for _, seed := range seedDocuments {
		id, err := seedDocument(ctx, st, seed)
		if err != nil {
			log.Fatalf("seeding %q: %v", seed.title, err)
		}
		fmt.Printf("created %s  %s\n", id, seed.title)
	}

	fmt.Println("done. Scan the documents with: cag scan <document-id>")
}

func seedAdmin(ctx context.Context, st *store.Store, password string) error {
	if _, err := st.GetUserByUsername(ctx, "admin"); err == nil {
		fmt.Println("admin user already exists, skipping")
		return nil
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	user := &models.User{
		Username:     "admin",
		Email:        "admin@localhost",
		PasswordHash: hash,
		Role:         string(auth.RoleAdmin),
		Active:       true,
	}
	if err := st.CreateUser(ctx, user); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "created admin user (change the password before exposing the API)")
	return nil
}

func seedDocument(ctx context.Context, st *store.Store, seed documentSeed) (uuid.UUID, error) {
	doc := &models.Document{Title: seed.title}
	if err := st.CreateDocument(ctx, doc); err != nil {
		return uuid.Nil, err
	}

	for _, sec := range seed.sections {
		section := &models.Section{
			DocumentID: doc.ID,
			Volume:     sec.volume,
			Number:     sec.number,
			Title:      sec.title,
		}
		if err := st.CreateSection(ctx, section); err != nil {
			return uuid.Nil, err
		}

		for _, t := range sec.tags {
			tag := &models.Tag{
				SourceType:     "document_section",
				SourceID:       section.ID,
				Category:       t.category,
				Confidence:     0.9,
				IndicatorText:  t.text,
				IndicatorType:  models.IndicatorManual,
				ParagraphIndex: t.paragraph,
				SectionContext: sec.number,
			}
			if err := st.CreateTag(ctx, tag); err != nil {
				return uuid.Nil, err
			}
		}
	}
	return doc.ID, nil
}
