package task

// Payload is the tagged union of per-kind parameter sets. One concrete
// struct exists per kind so required fields are statically checked
// rather than looked up from an open map at runtime.
type Payload interface {
	Kind() Kind
}

// UploadPayload uploads one local file into a remote folder.
type UploadPayload struct {
	FilePath  string
	FileName  string
	ParentID  string
	AccountID string
	Encrypt   bool
}

func (UploadPayload) Kind() Kind { return KindUpload }

// UploadFolderPayload uploads a local folder tree into a remote folder.
type UploadFolderPayload struct {
	FolderPath     string
	ParentFolderID string
	AccountID      string
	Provider       string
}

func (UploadFolderPayload) Kind() Kind { return KindUploadFolder }

// DownloadPayload downloads one remote file to a local path.
type DownloadPayload struct {
	FileID           string
	SavePath         string
	AccountID        string
	Encrypted        bool
	OriginalFileName string
}

func (DownloadPayload) Kind() Kind { return KindDownload }

// DownloadFolderPayload downloads a remote folder tree to a local path.
type DownloadFolderPayload struct {
	FolderID  string
	SavePath  string
	AccountID string
	Provider  string
}

func (DownloadFolderPayload) Kind() Kind { return KindDownloadFolder }

// CreateFolderPayload creates one folder under a parent.
type CreateFolderPayload struct {
	Name      string
	ParentID  string
	AccountID string
}

func (CreateFolderPayload) Kind() Kind { return KindCreateFolder }

// DeletePayload removes one node. With an empty AccountID the node id
// is a local filesystem path.
type DeletePayload struct {
	NodeID    string
	AccountID string
}

func (DeletePayload) Kind() Kind { return KindDelete }

// MovePayload moves a node under a new parent on the same account.
type MovePayload struct {
	NodeID       string
	DestParentID string
	AccountID    string
}

func (MovePayload) Kind() Kind { return KindMove }

// CopyFilePayload copies a remote file under a new parent.
type CopyFilePayload struct {
	FileID       string
	DestParentID string
	AccountID    string
}

func (CopyFilePayload) Kind() Kind { return KindCopyFile }

// CopyFolderPayload copies a remote folder tree under a new parent.
type CopyFolderPayload struct {
	FolderID     string
	DestParentID string
	AccountID    string
}

func (CopyFolderPayload) Kind() Kind { return KindCopyFolder }

// payloadAccount returns the destination account id for a payload.
func payloadAccount(p Payload) string {
	switch v := p.(type) {
	case UploadPayload:
		return v.AccountID
	case UploadFolderPayload:
		return v.AccountID
	case DownloadPayload:
		// Downloads land on the local filesystem.
		return ""
	case DownloadFolderPayload:
		return ""
	case CreateFolderPayload:
		return v.AccountID
	case DeletePayload:
		return v.AccountID
	case MovePayload:
		return v.AccountID
	case CopyFilePayload:
		return v.AccountID
	case CopyFolderPayload:
		return v.AccountID
	default:
		return ""
	}
}
