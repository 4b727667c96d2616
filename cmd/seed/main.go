package main

import (
	"context"
	"flag"
	"log"
	"os"

	"consultflow/backend/internal/config"
	"consultflow/backend/internal/logging"
	"consultflow/backend/internal/repository"
	"consultflow/backend/internal/templates"
	"consultflow/backend/internal/workflow"
	"consultflow/backend/pkg/models"

	"github.com/google/uuid"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	templatePath := flag.String("template", "", "YAML template to seed instead of the built-in one")
	withPrompts := flag.Bool("agent-configs", true, "Store the built-in prompts as editable agent configs")
	demo := flag.Bool("demo", false, "Also create a demo project")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	pool, err := repository.OpenPool(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	store := repository.NewPostgresStore(pool)
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	tmpl := templates.Default()
	if *templatePath != "" {
		data, err := os.ReadFile(*templatePath)
		if err != nil {
			log.Fatalf("Failed to read template: %v", err)
		}
		if tmpl, err = templates.Parse(data); err != nil {
			log.Fatalf("Invalid template %s: %v", *templatePath, err)
		}
	}

	var prompts map[models.AgentKey]string
	if *withPrompts {
		prompts = workflow.DefaultPrompts
	}
	created, err := templates.Seed(ctx, store, tmpl, prompts)
	if err != nil {
		log.Fatalf("Failed to seed: %v", err)
	}
	if created {
		logger.Info("Seeded template", "id", tmpl.ID, "name", tmpl.Name, "steps", len(tmpl.Steps))
	} else {
		logger.Info("Skipping existing template", "id", tmpl.ID)
	}

	if *demo {
		project := &models.Project{
			ID:          uuid.New().String(),
			Name:        "Demo: EU market entry",
			Objective:   "Should we enter the EU mid-market segment within 18 months?",
			Constraints: "Budget capped at 2M EUR; no acquisitions.",
			TemplateID:  tmpl.ID,
		}
		if err := store.CreateProject(ctx, project); err != nil {
			log.Fatalf("Failed to create demo project: %v", err)
		}
		logger.Info("Seeded demo project", "id", project.ID)
	}
	logger.Info("Seeding complete!")
}
