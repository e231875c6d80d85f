// Package app assembles the community engine from configuration.
package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/commons/internal/accounts"
	"github.com/MarcoPoloResearchLab/commons/internal/activity"
	"github.com/MarcoPoloResearchLab/commons/internal/config"
	"github.com/MarcoPoloResearchLab/commons/internal/geocode"
	"github.com/MarcoPoloResearchLab/commons/internal/hooks"
	"github.com/MarcoPoloResearchLab/commons/internal/membership"
	"github.com/MarcoPoloResearchLab/commons/internal/messages"
	"github.com/MarcoPoloResearchLab/commons/internal/relations"
	"github.com/MarcoPoloResearchLab/commons/internal/social"
	"github.com/MarcoPoloResearchLab/commons/internal/spaces"
	"github.com/MarcoPoloResearchLab/commons/internal/store"
	"github.com/MarcoPoloResearchLab/commons/internal/tags"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options carries what Build needs beyond configuration. Backend, Searcher and
// Publisher override the configured implementations when set.
type Options struct {
	Config    config.AppConfig
	Database  *gorm.DB
	Backend   store.Backend
	Searcher  tags.Searcher
	Publisher activity.Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Services holds the assembled components.
type Services struct {
	Store      *store.Store
	Accounts   *accounts.Service
	Graph      *relations.Graph
	Tags       *tags.Hierarchy
	Spaces     *spaces.Service
	Membership *membership.Workflow
	Messages   *messages.Service
	Activity   *activity.Recorder
	Engine     *social.Engine

	closers []func() error
}

// Build wires every component and registers the save hooks.
func Build(opts Options) (*Services, error) {
	if opts.Database == nil {
		return nil, errors.New("app: database required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	services := &Services{}

	backend := opts.Backend
	if backend == nil {
		opened, closer, err := openBackend(opts.Config, opts.Database)
		if err != nil {
			return nil, err
		}
		backend = opened
		if closer != nil {
			services.closers = append(services.closers, closer)
		}
	}
	documentStore, err := store.New(store.Config{Backend: backend, Logger: logger.Named("store")})
	if err != nil {
		services.Close()
		return nil, err
	}
	services.Store = documentStore

	dispatcher := hooks.NewDispatcher(logger.Named("hooks"))

	services.Accounts, err = accounts.NewService(accounts.ServiceConfig{
		Database:   opts.Database,
		Clock:      opts.Clock,
		Dispatcher: dispatcher,
		Logger:     logger.Named("accounts"),
	})
	if err != nil {
		services.Close()
		return nil, err
	}

	services.Graph, err = relations.NewGraph(relations.Config{Directory: services.Accounts, Logger: logger.Named("relations")})
	if err != nil {
		services.Close()
		return nil, err
	}

	services.Tags, err = tags.NewHierarchy(tags.Config{
		Store:      documentStore,
		Dispatcher: dispatcher,
		Clock:      opts.Clock,
		Logger:     logger.Named("tags"),
	})
	if err != nil {
		services.Close()
		return nil, err
	}

	searcher := opts.Searcher
	if searcher == nil && opts.Config.GeocoderEnabled {
		client, err := geocode.NewClient(geocode.Config{
			BaseURL:           opts.Config.GeocoderBaseURL,
			Timeout:           opts.Config.GeocoderTimeout,
			RequestsPerSecond: opts.Config.GeocoderRPS,
			Logger:            logger.Named("geocode"),
		})
		if err != nil {
			services.Close()
			return nil, err
		}
		searcher = client
	}

	services.Spaces, err = spaces.NewService(spaces.ServiceConfig{
		Store:      documentStore,
		Dispatcher: dispatcher,
		Clock:      opts.Clock,
		Logger:     logger.Named("spaces"),
	})
	if err != nil {
		services.Close()
		return nil, err
	}

	publisher := opts.Publisher
	if publisher == nil && len(opts.Config.KafkaBrokers) > 0 {
		kafkaPublisher, err := activity.NewKafkaPublisher(activity.KafkaConfig{
			Brokers: opts.Config.KafkaBrokers,
			Topic:   opts.Config.KafkaTopic,
		})
		if err != nil {
			services.Close()
			return nil, err
		}
		services.closers = append(services.closers, kafkaPublisher.Close)
		publisher = kafkaPublisher
	}
	services.Activity = activity.NewRecorder(activity.Config{
		Store:     documentStore,
		Publisher: publisher,
		Clock:     opts.Clock,
		Logger:    logger.Named("activity"),
	})

	services.Membership, err = membership.NewWorkflow(membership.Config{
		Store:      documentStore,
		Dispatcher: dispatcher,
		Activity:   services.Activity,
		Clock:      opts.Clock,
		Logger:     logger.Named("membership"),
	})
	if err != nil {
		services.Close()
		return nil, err
	}

	services.Messages, err = messages.NewService(messages.Config{
		Store:  documentStore,
		Clock:  opts.Clock,
		Logger: logger.Named("messages"),
	})
	if err != nil {
		services.Close()
		return nil, err
	}

	if searcher != nil {
		dispatcher.Register(hooks.KindKnowledgeTag, hooks.BeforeSave, "tag-geocode", services.Tags.GeocodeHandler(searcher))
	}
	dispatcher.Register(hooks.KindSocialSpace, hooks.BeforeSave, "space-address", spaces.AddressHandler(services.Tags))
	dispatcher.Register(hooks.KindSocialSpace, hooks.AfterSave, "space-member-sync",
		spaces.MemberSyncHandler(services.Graph, opts.Config.SymmetricLeave, logger.Named("spaces")))

	services.Engine, err = social.NewEngine(social.Config{
		Graph:      services.Graph,
		Spaces:     services.Spaces,
		Membership: services.Membership,
		Messages:   services.Messages,
		Activity:   services.Activity,
		Logger:     logger.Named("social"),
	})
	if err != nil {
		services.Close()
		return nil, err
	}

	return services, nil
}

// Close releases backend connections and publishers.
func (s *Services) Close() error {
	var errs []error
	for index := len(s.closers) - 1; index >= 0; index-- {
		if err := s.closers[index](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func openBackend(cfg config.AppConfig, db *gorm.DB) (store.Backend, func() error, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendFile, "":
		backend, err := store.NewFileBackend(cfg.StoreDataDir)
		return backend, nil, err
	case config.StoreBackendSQLite:
		backend, err := store.NewSQLBackend(db)
		return backend, nil, err
	case config.StoreBackendBadger:
		backend, err := store.OpenBadger(store.BadgerConfig{Path: cfg.BadgerPath, SyncWrites: true})
		if err != nil {
			return nil, nil, err
		}
		return backend, backend.Close, nil
	case config.StoreBackendRedis:
		backend, err := store.OpenRedis(store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		return backend, backend.Close, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown store backend %q", cfg.StoreBackend)
	}
}
