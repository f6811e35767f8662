package filestore

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const folderMimeType = "application/vnd.google-apps.folder"

// DriveOptions configures the Google Drive backend.
type DriveOptions struct {
	CredentialsPath string
	RootFolderID    string
	Log             zerolog.Logger
}

// DriveStore archives artifacts to Google Drive under a year/month folder
// chain below a configured root folder.
type DriveStore struct {
	svc  *drive.Service
	root string
	log  zerolog.Logger

	// folder id cache keyed by "parent/name"
	mu      sync.Mutex
	folders map[string]string
}

// NewDriveStore builds the Drive client and verifies the root folder is
// reachable and actually a folder.
func NewDriveStore(ctx context.Context, opts DriveOptions) (*DriveStore, error) {
	svc, err := drive.NewService(ctx,
		option.WithCredentialsFile(opts.CredentialsPath),
		option.WithScopes(drive.DriveScope))
	if err != nil {
		return nil, fmt.Errorf("drive init: %w", err)
	}

	f, err := svc.Files.Get(opts.RootFolderID).
		SupportsAllDrives(true).
		Fields("id", "name", "mimeType").
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("drive root folder check (id=%q): %w", opts.RootFolderID, err)
	}
	if f.MimeType != folderMimeType {
		return nil, fmt.Errorf("drive id %q is not a folder", opts.RootFolderID)
	}

	s := &DriveStore{
		svc:     svc,
		root:    opts.RootFolderID,
		log:     opts.Log.With().Str("component", "drive-store").Logger(),
		folders: make(map[string]string),
	}
	s.log.Info().Str("root", f.Name).Msg("drive connection verified")
	return s, nil
}

func (s *DriveStore) Type() string { return "drive" }

// ensureFolder returns the id of a child folder with the given name,
// creating it when absent. Results are cached per parent/name.
func (s *DriveStore) ensureFolder(ctx context.Context, parentID, name string) (string, error) {
	key := parentID + "/" + name
	s.mu.Lock()
	if id, ok := s.folders[key]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	q := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType = '%s' and trashed = false",
		name, parentID, folderMimeType)
	list, err := s.svc.Files.List().Q(q).
		SupportsAllDrives(true).IncludeItemsFromAllDrives(true).
		Fields("files(id)").PageSize(1).
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("drive folder lookup %q: %w", name, err)
	}

	var id string
	if len(list.Files) > 0 {
		id = list.Files[0].Id
	} else {
		created, err := s.svc.Files.Create(&drive.File{
			Name:     name,
			MimeType: folderMimeType,
			Parents:  []string{parentID},
		}).SupportsAllDrives(true).Fields("id").Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("drive folder create %q: %w", name, err)
		}
		id = created.Id
		s.log.Debug().Str("name", name).Str("id", id).Msg("drive folder created")
	}

	s.mu.Lock()
	s.folders[key] = id
	s.mu.Unlock()
	return id, nil
}

func (s *DriveStore) monthFolder(ctx context.Context, year, month string) (string, error) {
	yearID, err := s.ensureFolder(ctx, s.root, year)
	if err != nil {
		return "", err
	}
	return s.ensureFolder(ctx, yearID, month)
}

// Lookup returns the id of an existing artifact file, or "".
func (s *DriveStore) Lookup(ctx context.Context, year, month, name string) (string, error) {
	folderID, err := s.monthFolder(ctx, year, month)
	if err != nil {
		return "", err
	}
	q := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false", name, folderID)
	list, err := s.svc.Files.List().Q(q).
		SupportsAllDrives(true).IncludeItemsFromAllDrives(true).
		Fields("files(id)").PageSize(1).
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("drive lookup %q: %w", name, err)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

// Upload writes the artifact, updating in place when a file of the same name
// already exists in the month folder.
func (s *DriveStore) Upload(ctx context.Context, year, month, name string, data []byte) (string, error) {
	existing, err := s.Lookup(ctx, year, month, name)
	if err != nil {
		return "", err
	}

	media := googleapi.ContentType("application/json")

	if existing != "" {
		_, err := s.svc.Files.Update(existing, &drive.File{}).
			Media(bytes.NewReader(data), media).
			SupportsAllDrives(true).
			Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("drive update %q: %w", name, err)
		}
		s.log.Debug().Str("name", name).Str("id", existing).Msg("drive artifact updated")
		return existing, nil
	}

	folderID, err := s.monthFolder(ctx, year, month)
	if err != nil {
		return "", err
	}
	created, err := s.svc.Files.Create(&drive.File{
		Name:    name,
		Parents: []string{folderID},
	}).Media(bytes.NewReader(data), media).
		SupportsAllDrives(true).Fields("id").
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("drive upload %q: %w", name, err)
	}
	s.log.Debug().Str("name", name).Str("id", created.Id).Msg("drive artifact uploaded")
	return created.Id, nil
}
