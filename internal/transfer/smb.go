package transfer

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/hirochachacha/go-smb2"
)

// ConnectionConfig is everything needed to mount the destination share.
type ConnectionConfig struct {
	Server           string        `yaml:"server" env:"FERRYMAN_SMB_SERVER" env-required:"true"`
	Port             int           `yaml:"port" env:"FERRYMAN_SMB_PORT" env-default:"445"`
	Share            string        `yaml:"share" env:"FERRYMAN_SMB_SHARE" env-required:"true"`
	Username         string        `yaml:"username" env:"FERRYMAN_SMB_USERNAME" env-required:"true"`
	Password         string        `yaml:"password" env:"FERRYMAN_SMB_PASSWORD"`
	Domain           string        `yaml:"domain" env:"FERRYMAN_SMB_DOMAIN"`
	DialTimeout      time.Duration `yaml:"dial_timeout" env:"FERRYMAN_SMB_DIAL_TIMEOUT" env-default:"10s"`
	OperationTimeout time.Duration `yaml:"operation_timeout" env:"FERRYMAN_SMB_OPERATION_TIMEOUT" env-default:"45s"`
}

func (config *ConnectionConfig) address() string {
	return net.JoinHostPort(config.Server, strconv.Itoa(config.Port))
}

type (
	// Share is the slice of a mounted remote share the transfer manager
	// consumes. Paths are share-relative and forward-slashed; the SMB
	// implementation translates them.
	Share interface {
		Stat(path string) (os.FileInfo, error)
		MkdirAll(path string, perm os.FileMode) error
		OpenFile(path string, flag int, perm os.FileMode) (RemoteFile, error)
		Rename(oldPath string, newPath string) error
		Remove(path string) error
		Close() error
	}

	RemoteFile interface {
		io.WriterAt
		io.ReaderAt
		io.Closer
	}

	// Dialer produces connected shares. One dial owns one session; a
	// session is never used by two workers at once.
	Dialer interface {
		Dial(ctx context.Context) (Share, error)
	}
)

// NTSTATUS codes which indicate the credentials or share ACL are the
// problem rather than the network.
const (
	statusLogonFailure uint32 = 0xC000006D
	statusAccessDenied uint32 = 0xC0000022
)

// SMBDialer dials and mounts the configured share over SMB2/3.
type SMBDialer struct {
	config ConnectionConfig
}

func NewDialer(config ConnectionConfig) *SMBDialer {
	return &SMBDialer{config: config}
}

func (dialer *SMBDialer) Dial(ctx context.Context) (Share, error) {
	address := dialer.config.address()
	conn, err := net.DialTimeout("tcp", address, dialer.config.DialTimeout)
	if err != nil {
		return nil, &ConnectionFailedError{Server: address, err: err}
	}

	smbDialer := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     dialer.config.Username,
			Password: dialer.config.Password,
			Domain:   dialer.config.Domain,
		},
	}

	session, err := smbDialer.DialContext(ctx, conn)
	if err != nil {
		conn.Close()
		if isAuthFailure(err) {
			return nil, &AuthenticationFailedError{Server: address, User: dialer.config.Username, err: err}
		}

		return nil, &ConnectionFailedError{Server: address, err: err}
	}

	mount, err := session.Mount(dialer.config.Share)
	if err != nil {
		_ = session.Logoff()
		conn.Close()
		if isAuthFailure(err) {
			return nil, &AuthenticationFailedError{Server: address, User: dialer.config.Username, err: err}
		}

		return nil, &ConnectionFailedError{Server: address, err: err}
	}

	return &smbShare{
		conn:      conn,
		session:   session,
		share:     mount.WithContext(ctx),
		opTimeout: dialer.config.OperationTimeout,
	}, nil
}

func isAuthFailure(err error) bool {
	var response *smb2.ResponseError
	if !errors.As(err, &response) {
		return false
	}

	switch response.Code {
	case statusLogonFailure, statusAccessDenied:
		return true
	default:
		return false
	}
}

// smbShare applies the idle-watchdog pattern for per-operation
// timeouts: every operation pushes the connection deadline forward, so
// a stalled operation fails once OperationTimeout elapses without
// progress.
type smbShare struct {
	conn      net.Conn
	session   *smb2.Session
	share     *smb2.Share
	opTimeout time.Duration
}

func (s *smbShare) bump() {
	if s.opTimeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.opTimeout))
	}
}

func (s *smbShare) Stat(p string) (os.FileInfo, error) {
	s.bump()
	return s.share.Stat(toWinPath(p))
}

func (s *smbShare) MkdirAll(p string, perm os.FileMode) error {
	s.bump()
	return s.share.MkdirAll(toWinPath(p), perm)
}

func (s *smbShare) OpenFile(p string, flag int, perm os.FileMode) (RemoteFile, error) {
	s.bump()
	file, err := s.share.OpenFile(toWinPath(p), flag, perm)
	if err != nil {
		return nil, err
	}

	return &smbFile{file: file, bump: s.bump}, nil
}

func (s *smbShare) Rename(oldPath string, newPath string) error {
	s.bump()
	return s.share.Rename(toWinPath(oldPath), toWinPath(newPath))
}

func (s *smbShare) Remove(p string) error {
	s.bump()
	return s.share.Remove(toWinPath(p))
}

func (s *smbShare) Close() error {
	s.bump()
	err := s.share.Umount()
	if logoffErr := s.session.Logoff(); err == nil {
		err = logoffErr
	}
	if closeErr := s.conn.Close(); err == nil {
		err = closeErr
	}

	return err
}

type smbFile struct {
	file *smb2.File
	bump func()
}

func (f *smbFile) WriteAt(p []byte, off int64) (int, error) {
	f.bump()
	return f.file.WriteAt(p, off)
}

func (f *smbFile) ReadAt(p []byte, off int64) (int, error) {
	f.bump()
	return f.file.ReadAt(p, off)
}

func (f *smbFile) Close() error {
	f.bump()
	return f.file.Close()
}

func toWinPath(p string) string {
	return strings.ReplaceAll(strings.TrimPrefix(path.Clean(p), "/"), "/", `\`)
}
