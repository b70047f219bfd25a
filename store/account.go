/*
Package store implements storage for accounts, their mailboxes, IMAP
subscriptions and messages, and broadcasts updates (e.g. mail delivery) to
interested sessions (e.g. IMAP and POP3 connections).

Layout of storage for accounts:

	<DataDir>/accounts/<name>/index.db
	<DataDir>/accounts/<name>/msg/[a-zA-Z0-9_-]+/<id>

Index.db holds tables for user information, mailboxes, and messages. Messages
are stored in the msg/ subdirectory, each in their own file. The on-disk
message does not contain headers generated during an incoming SMTP
transaction, such as the Received header. Those are in the database to
prevent having to rewrite incoming messages. Messages must be read through
MsgReader, which transparently adds the prefix from the database.
*/
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/bstore"

	"github.com/ibrahimsoriey1/quantummint-sub000/config"
	"github.com/ibrahimsoriey1/quantummint-sub000/message"
	"github.com/ibrahimsoriey1/quantummint-sub000/mint"
	"github.com/ibrahimsoriey1/quantummint-sub000/mintio"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtp"
)

var pkglog = mlog.New("store", nil)

var (
	ErrUnknownMailbox     = errors.New("no such mailbox")
	ErrUnknownCredentials = errors.New("credentials not found")
	ErrAccountUnknown     = errors.New("no such account")
	ErrOverQuota          = errors.New("account over quota")
)

// InitialMailboxes are created for a new account, along with subscriptions.
var InitialMailboxes = []string{"Inbox", "Sent", "Drafts", "Trash", "Spam", "Quarantine"}

// Password holds the bcrypt hash for logging in with SMTP submission, IMAP
// and POP3.
type Password struct {
	Hash string
}

// NextUIDValidity is a singleton record in the database with the next
// UIDValidity to use for the next mailbox.
type NextUIDValidity struct {
	ID   int // Just a single record with ID 1.
	Next uint32
}

// SyncState tracks the last assigned ModSeq.
type SyncState struct {
	ID int // Just a single record with ID 1.

	// Last used, next assigned will be one higher. The first value handed
	// out is 2, because 0 is the zero value and 0/1 are special in IMAP.
	LastModSeq ModSeq `bstore:"nonzero"`
}

// Mailbox is a collection of messages, e.g. Inbox or Sent.
type Mailbox struct {
	ID int64

	// "Inbox" is the name for the special IMAP "INBOX". Slash separated for
	// hierarchy.
	Name string `bstore:"nonzero,unique"`

	// If UIDs are invalidated, e.g. when renaming a mailbox to a previously
	// existing name, UIDValidity must be changed. Used by IMAP for
	// synchronization.
	UIDValidity uint32

	// UID assigned to the next delivered message. Strictly ascending, UIDs
	// are never reused within a UIDValidity.
	UIDNext UID

	// Special-use hints, for the IMAP LIST response.
	Archive bool
	Draft   bool
	Junk    bool
	Sent    bool
	Trash   bool

	// Keywords as used in messages in this mailbox, for the IMAP FLAGS
	// response. Only atoms, stored in lower case.
	Keywords []string
}

// Subscriptions are separate from existence of mailboxes.
type Subscription struct {
	Name string
}

// Flags for a mail message.
type Flags struct {
	Seen     bool
	Answered bool
	Flagged  bool
	Deleted  bool
	Draft    bool
	Junk     bool
	Notjunk  bool
	Phishing bool
}

// FlagsAll is all flags set, for use as mask.
var FlagsAll = Flags{true, true, true, true, true, true, true, true}

// Message stored in the database and in a per-message file on disk.
//
// Contents are always the combined data from MsgPrefix and the on-disk file
// named after ID. Messages always have a header section, even if empty.
// Incoming messages without header section must get an empty header section
// added before inserting.
type Message struct {
	// ID, unchanged over lifetime, determines path to the on-disk msg file.
	// Set during deliver.
	ID int64

	UID       UID   `bstore:"nonzero"` // For IMAP. Set during deliver.
	MailboxID int64 `bstore:"nonzero,unique MailboxID+UID,index MailboxID+Received,index MailboxID+ModSeq,ref Mailbox"`

	// Modification sequence, for IMAP CONDSTORE-style syncing. ModSeq is the
	// last modification, CreateSeq the sequence at insert, always <= ModSeq.
	// If Expunged is set, the message has been removed and should not be
	// returned to the user; ModSeq is then the removal and never changes.
	ModSeq    ModSeq `bstore:"index"`
	CreateSeq ModSeq `bstore:"index"`
	Expunged  bool

	Received time.Time `bstore:"default now,index"`

	// Remote SMTP connection details. Empty if not delivered over SMTP.
	RemoteIP          string
	EHLODomain        string         // Only set if present and not an IP address. Unicode.
	MailFrom          string         // With localpart and domain. Can be empty.
	MailFromLocalpart smtp.Localpart // SMTP "MAIL FROM", can be empty.
	MailFromDomain    string         // Only set if a domain, not an IP. Unicode.
	RcptToLocalpart   smtp.Localpart // SMTP "RCPT TO", can be empty.
	RcptToDomain      string         // Unicode.

	// Parsed "From" message header.
	MsgFromLocalpart smtp.Localpart
	MsgFromDomain    string // Unicode.

	// Value of the Message-Id header, including <>. Can be empty.
	MessageID string `bstore:"index"`

	Flags
	Keywords  []string `bstore:"index"` // Non-system flags, atom syntax, lower case.
	Size      int64
	MsgPrefix []byte // Typically holds received headers and/or header separator.

	// Parsed message structure, saved as JSON of message.Part because bstore
	// cannot store recursive types. Created during deliver.
	ParsedBuf []byte
}

// ModSeq represents a modseq as stored in the database. ModSeq 0 in the
// database is sent to IMAP clients as 1, because modseq 0 is special there.
type ModSeq int64

func (ms ModSeq) Client() int64 {
	if ms == 0 {
		return 1
	}
	return int64(ms)
}

// ModSeqFromClient converts a modseq from a client to a modseq for internal
// use, e.g. in a database query.
func ModSeqFromClient(modseq int64) ModSeq {
	if modseq == 1 {
		return 0
	}
	return ModSeq(modseq)
}

// PrepareExpunge clears fields that are no longer needed after an expunge.
// Does not change ModSeq, but does set Expunged.
func (m *Message) PrepareExpunge() {
	*m = Message{
		ID:        m.ID,
		UID:       m.UID,
		MailboxID: m.MailboxID,
		CreateSeq: m.CreateSeq,
		ModSeq:    m.ModSeq,
		Expunged:  true,
	}
}

// LoadPart returns a message.Part by reading from m.ParsedBuf.
func (m Message) LoadPart(r io.ReaderAt) (message.Part, error) {
	if m.ParsedBuf == nil {
		return message.Part{}, fmt.Errorf("message not parsed")
	}
	var p message.Part
	err := json.Unmarshal(m.ParsedBuf, &p)
	if err != nil {
		return p, fmt.Errorf("unmarshal message part")
	}
	p.SetReaderAt(r)
	return p, nil
}

// Outgoing is a message submitted for delivery to the queue. Used to enforce
// the hourly and daily submission limits.
type Outgoing struct {
	ID        int64
	Recipient string    `bstore:"nonzero,index"` // Canonical address.
	Submitted time.Time `bstore:"nonzero,default now"`
}

// AutoReplied records an automatic reply to a sender, to suppress repeated
// replies to the same sender within the suppression window.
type AutoReplied struct {
	ID     int64
	Sender string    `bstore:"nonzero,index"` // Canonical address.
	Sent   time.Time `bstore:"nonzero,default now"`
}

// DiskUsage is a singleton record with the sum of messages sizes for the
// account, used for enforcing the message size quota.
type DiskUsage struct {
	ID          int64 // Just one record with ID 1.
	MessageSize int64
}

// DBTypes are the types stored in the per-account database.
var DBTypes = []any{NextUIDValidity{}, Message{}, Mailbox{}, Subscription{}, Outgoing{}, AutoReplied{}, Password{}, SyncState{}, DiskUsage{}}

// Account holds the information about a user, including mailboxes, messages
// and IMAP subscriptions.
type Account struct {
	Name   string     // Name, according to configuration.
	Dir    string     // Directory where account files are stored.
	DBPath string     // Path to database with mailboxes, messages, etc.
	DB     *bstore.DB // Open database connection.

	// Write lock must be held for account/mailbox modifications including
	// message delivery. Read lock for reading mailboxes/messages. When
	// making changes to mailboxes/messages, changes must be broadcasted
	// before releasing the lock to ensure proper UID ordering.
	sync.RWMutex

	nused int // Reference count, while >0 this account is alive and shared.
}

// InitialUIDValidity returns a UIDValidity for initializing an account. It
// can be replaced during tests with a predictable value.
var InitialUIDValidity = func() uint32 {
	return uint32(time.Now().Unix() >> 1) // 2-second resolution, fine until far beyond 2038.
}

var openAccounts = struct {
	names map[string]*Account
	sync.Mutex
}{
	names: map[string]*Account{},
}

func closeAccount(acc *Account) (rerr error) {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	acc.nused--
	if acc.nused == 0 {
		rerr = acc.DB.Close()
		acc.DB = nil
		delete(openAccounts.names, acc.Name)
	}
	return
}

// OpenAccount opens an account by name. A single shared account exists per
// name.
func OpenAccount(name string) (*Account, error) {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	if acc, ok := openAccounts.names[name]; ok {
		acc.nused++
		return acc, nil
	}

	if _, ok := mint.Conf.Account(name); !ok {
		return nil, ErrAccountUnknown
	}

	acc, err := openAccount(name)
	if err != nil {
		return nil, err
	}
	acc.nused++
	openAccounts.names[name] = acc
	return acc, nil
}

// openAccount opens an existing account, or creates it if it is missing.
func openAccount(name string) (a *Account, rerr error) {
	dir := filepath.Join(mint.DataDirPath("accounts"), name)
	dbpath := filepath.Join(dir, "index.db")

	// Create account if it doesn't exist yet.
	isNew := false
	if _, err := os.Stat(dbpath); err != nil && os.IsNotExist(err) {
		isNew = true
		os.MkdirAll(dir, 0770)
	}

	db, err := bstore.Open(mint.Context, dbpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rerr != nil {
			db.Close()
			if isNew {
				os.Remove(dbpath)
			}
		}
	}()

	if isNew {
		if err := initAccount(db); err != nil {
			return nil, fmt.Errorf("initializing account: %v", err)
		}
	}

	return &Account{
		Name:   name,
		Dir:    dir,
		DBPath: dbpath,
		DB:     db,
	}, nil
}

func initAccount(db *bstore.DB) error {
	return db.Write(mint.Context, func(tx *bstore.Tx) error {
		uidvalidity := InitialUIDValidity()

		for _, name := range InitialMailboxes {
			mb := Mailbox{Name: name, UIDValidity: uidvalidity, UIDNext: 1}
			switch name {
			case "Sent":
				mb.Sent = true
			case "Drafts":
				mb.Draft = true
			case "Trash":
				mb.Trash = true
			case "Spam":
				mb.Junk = true
			}
			if err := tx.Insert(&mb); err != nil {
				return fmt.Errorf("creating mailbox: %w", err)
			}

			if err := tx.Insert(&Subscription{name}); err != nil {
				return fmt.Errorf("adding subscription: %w", err)
			}
		}

		uidvalidity++
		if err := tx.Insert(&NextUIDValidity{1, uidvalidity}); err != nil {
			return fmt.Errorf("inserting nextuidvalidity: %w", err)
		}
		return nil
	})
}

// Close reduces the reference count, and closes the database connection when
// it was the last user.
func (a *Account) Close() error {
	return closeAccount(a)
}

// Conf returns the configuration for this account if it still exists. During
// a session, a configuration update may drop an account.
func (a *Account) Conf() (config.Account, bool) {
	return mint.Conf.Account(a.Name)
}

// NextUIDValidity returns the next unique uidvalidity to use for this account.
func (a *Account) NextUIDValidity(tx *bstore.Tx) (uint32, error) {
	nuv := NextUIDValidity{ID: 1}
	if err := tx.Get(&nuv); err != nil {
		return 0, err
	}
	v := nuv.Next
	nuv.Next++
	if err := tx.Update(&nuv); err != nil {
		return 0, err
	}
	return v, nil
}

// NextModSeq returns the next modification sequence, which is global per
// account, over all types.
func (a *Account) NextModSeq(tx *bstore.Tx) (ModSeq, error) {
	v := SyncState{ID: 1}
	if err := tx.Get(&v); err == bstore.ErrAbsent {
		// We start assigning from modseq 2. Modseq 0 is not usable and is
		// returned to clients as 1, so both are already used.
		v = SyncState{ID: 1, LastModSeq: 2}
		return v.LastModSeq, tx.Insert(&v)
	} else if err != nil {
		return 0, err
	}
	v.LastModSeq++
	return v.LastModSeq, tx.Update(&v)
}

// WithWLock runs fn with the account write lock held. Necessary for
// account/mailbox modifications including message delivery.
func (a *Account) WithWLock(fn func()) {
	a.Lock()
	defer a.Unlock()
	fn()
}

// WithRLock runs fn with the account read lock held. Needed for reading
// mailboxes/messages.
func (a *Account) WithRLock(fn func()) {
	a.RLock()
	defer a.RUnlock()
	fn()
}

// DeliverMessage delivers a mail message to the account in the mailbox
// referenced by m.MailboxID, assigning the next UID for the mailbox.
//
// If consumeFile is set, the original msgFile is moved/renamed or copied and
// removed as part of delivery.
//
// The message, with m.MsgPrefix and msgFile combined, must have a header
// section. The caller is responsible for adding a header separator to
// m.MsgPrefix if missing from an incoming message.
//
// If sync is true, the message file and its directory are synced. Should be
// true for regular mail delivery.
//
// If CreateSeq/ModSeq are not set, they are assigned automatically.
//
// Quota is updated, but not checked: callers check CanAddMessageSize first.
//
// Must be called with account wlock held. Caller must broadcast the new
// message.
func (a *Account) DeliverMessage(log mlog.Log, tx *bstore.Tx, m *Message, msgFile *os.File, consumeFile, sync bool) error {
	if m.Expunged {
		return fmt.Errorf("cannot deliver expunged message")
	}

	mb := Mailbox{ID: m.MailboxID}
	if err := tx.Get(&mb); err != nil {
		return fmt.Errorf("get mailbox: %w", err)
	}
	m.UID = mb.UIDNext
	mb.UIDNext++
	if err := tx.Update(&mb); err != nil {
		return fmt.Errorf("updating mailbox nextuid: %w", err)
	}

	if m.ParsedBuf == nil {
		mr := FileMsgReader(m.MsgPrefix, msgFile) // We don't close, that would close msgFile.
		p, err := message.EnsurePart(log.Logger, false, mr, m.Size)
		if err != nil {
			log.Infox("parsing delivered message", err, slog.Int64("message", m.ID))
			// We continue, p is still usable.
		}
		buf, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal parsed message: %w", err)
		}
		m.ParsedBuf = buf
	}

	if m.CreateSeq == 0 || m.ModSeq == 0 {
		modseq, err := a.NextModSeq(tx)
		if err != nil {
			return fmt.Errorf("assigning next modseq: %w", err)
		}
		m.CreateSeq = modseq
		m.ModSeq = modseq
	}

	if err := tx.Insert(m); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	du := DiskUsage{ID: 1}
	if err := tx.Get(&du); err != nil && err != bstore.ErrAbsent {
		return fmt.Errorf("get disk usage: %w", err)
	} else if err == bstore.ErrAbsent {
		du.ID = 1
		du.MessageSize = m.Size
		if err := tx.Insert(&du); err != nil {
			return fmt.Errorf("inserting disk usage: %w", err)
		}
	} else {
		du.MessageSize += m.Size
		if err := tx.Update(&du); err != nil {
			return fmt.Errorf("updating disk usage: %w", err)
		}
	}

	msgPath := a.MessagePath(m.ID)
	msgDir := filepath.Dir(msgPath)
	os.MkdirAll(msgDir, 0770)

	if sync {
		if err := msgFile.Sync(); err != nil {
			return fmt.Errorf("fsync message file: %w", err)
		}
	}

	if consumeFile {
		if err := os.Rename(msgFile.Name(), msgPath); err != nil {
			// Could be a cross-filesystem rename, users shouldn't configure
			// their systems that way.
			return fmt.Errorf("moving msg file to destination directory: %w", err)
		}
	} else if err := mintio.LinkOrCopy(log, msgPath, msgFile.Name(), &mintio.AtReader{R: msgFile}, true); err != nil {
		return fmt.Errorf("linking/copying message to new file: %w", err)
	}

	if sync {
		if err := mintio.SyncDir(log, msgDir); err != nil {
			return fmt.Errorf("sync directory: %w", err)
		}
	}

	return nil
}

// Deliver delivers an email to dest, to the mailbox configured for the
// destination, with Inbox as fallback.
//
// Caller must hold the account wlock (the mailbox may be created).
// Message delivery and possible mailbox creation are broadcasted.
func (a *Account) Deliver(log mlog.Log, dest config.Destination, m *Message, msgFile *os.File, consumeFile bool) error {
	mailbox := dest.Mailbox
	if mailbox == "" {
		mailbox = "Inbox"
	}
	return a.DeliverMailbox(log, mailbox, m, msgFile, consumeFile)
}

// DeliverMailbox delivers an email to the named mailbox.
//
// Caller must hold the account wlock (the mailbox may be created).
// Message delivery and possible mailbox creation are broadcasted.
func (a *Account) DeliverMailbox(log mlog.Log, mailbox string, m *Message, msgFile *os.File, consumeFile bool) error {
	var changes []Change
	err := a.DB.Write(mint.Context, func(tx *bstore.Tx) error {
		mb, chl, err := a.MailboxEnsure(tx, mailbox, true)
		if err != nil {
			return fmt.Errorf("ensuring mailbox: %w", err)
		}
		m.MailboxID = mb.ID
		changes = append(changes, chl...)

		return a.DeliverMessage(log, tx, m, msgFile, consumeFile, true)
	})
	if err != nil {
		return err
	}

	changes = append(changes, ChangeAddUID{m.MailboxID, m.UID, m.ModSeq, m.Flags, m.Keywords})
	BroadcastChanges(a, changes)
	return nil
}

// QuotaMessageSize returns the effective maximum total message size for the
// account, 0 meaning unlimited.
func (a *Account) QuotaMessageSize() int64 {
	conf, _ := a.Conf()
	size := conf.QuotaMessageSize
	if size < 0 {
		size = 0
	}
	return size
}

// CanAddMessageSize checks if the account is still below its maximum total
// message size, after adding size. If not, ok is false and maxSize is the
// configured maximum.
func (a *Account) CanAddMessageSize(tx *bstore.Tx, size int64) (ok bool, maxSize int64, err error) {
	maxSize = a.QuotaMessageSize()
	if maxSize <= 0 {
		return true, 0, nil
	}

	du := DiskUsage{ID: 1}
	if err := tx.Get(&du); err != nil && err != bstore.ErrAbsent {
		return false, maxSize, fmt.Errorf("get disk usage: %w", err)
	}
	return du.MessageSize+size <= maxSize, maxSize, nil
}

// StorageUsed returns the sum of the sizes of all messages in the account.
func (a *Account) StorageUsed(tx *bstore.Tx) (int64, error) {
	du := DiskUsage{ID: 1}
	err := tx.Get(&du)
	if err == bstore.ErrAbsent {
		return 0, nil
	}
	return du.MessageSize, err
}

// SendLimitReached checks whether submitting messages to the given
// recipients would exceed the hourly or daily submission limits for the
// account. If a limit would be exceeded, its configured value is returned,
// -1 otherwise.
func (a *Account) SendLimitReached(tx *bstore.Tx, recipients []smtp.Path) (hourlyLimit, dailyLimit int, rerr error) {
	conf, _ := a.Conf()

	now := time.Now()

	qh := bstore.QueryTx[Outgoing](tx)
	qh.FilterGreater("Submitted", now.Add(-time.Hour))
	hour, err := qh.Count()
	if err != nil {
		return -1, -1, fmt.Errorf("counting outgoing messages in past hour: %w", err)
	}
	if hour+len(recipients) > conf.HourlyLimit {
		return conf.HourlyLimit, -1, nil
	}

	qd := bstore.QueryTx[Outgoing](tx)
	qd.FilterGreater("Submitted", now.Add(-24*time.Hour))
	day, err := qd.Count()
	if err != nil {
		return -1, -1, fmt.Errorf("counting outgoing messages in past day: %w", err)
	}
	if day+len(recipients) > conf.DailyLimit {
		return -1, conf.DailyLimit, nil
	}

	return -1, -1, nil
}

// AutoReplySuppressed returns whether an automatic reply was already sent to
// sender (canonical address) within the suppression window. If not, a new
// suppression record is inserted, so a caller that proceeds to send the
// reply will not send another within the window.
func (a *Account) AutoReplySuppressed(tx *bstore.Tx, sender string, window time.Duration) (bool, error) {
	q := bstore.QueryTx[AutoReplied](tx)
	q.FilterNonzero(AutoReplied{Sender: sender})
	q.FilterGreater("Sent", time.Now().Add(-window))
	exists, err := q.Exists()
	if err != nil {
		return false, fmt.Errorf("checking auto-reply suppression: %w", err)
	}
	if exists {
		return true, nil
	}
	if err := tx.Insert(&AutoReplied{Sender: sender, Sent: time.Now()}); err != nil {
		return false, fmt.Errorf("inserting auto-reply suppression: %w", err)
	}
	return false, nil
}

// SetPassword saves a new password for this account, for SMTP submission,
// IMAP and POP3 sessions.
func (a *Account) SetPassword(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters long")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("generating password hash: %w", err)
	}

	err = a.DB.Write(mint.Context, func(tx *bstore.Tx) error {
		if _, err := bstore.QueryTx[Password](tx).Delete(); err != nil {
			return fmt.Errorf("deleting existing password: %v", err)
		}
		return tx.Insert(&Password{Hash: string(hash)})
	})
	if err == nil {
		pkglog.Info("new password set for account", slog.String("account", a.Name))
	}
	return err
}

// OpenEmailAuth opens an account given an email address and password.
func OpenEmailAuth(email string, password string) (acc *Account, rerr error) {
	acc, _, rerr = OpenEmail(email)
	if rerr != nil {
		return
	}

	defer func() {
		if rerr != nil && acc != nil {
			err := acc.Close()
			pkglog.Check(err, "closing account after open auth failure")
			acc = nil
		}
	}()

	conf, ok := acc.Conf()
	if !ok || conf.Disabled || conf.Locked {
		return acc, ErrUnknownCredentials
	}

	pw, err := bstore.QueryDB[Password](mint.Context, acc.DB).Get()
	if err != nil {
		if err == bstore.ErrAbsent {
			return acc, ErrUnknownCredentials
		}
		return acc, fmt.Errorf("looking up password: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(pw.Hash), []byte(password)); err != nil {
		rerr = ErrUnknownCredentials
	}
	return
}

// OpenEmail opens an account given an email address.
func OpenEmail(email string) (*Account, config.Destination, error) {
	addr, err := smtp.ParseAddress(email)
	if err != nil {
		return nil, config.Destination{}, fmt.Errorf("%w: %v", ErrUnknownCredentials, err)
	}
	accountName, _, dest, err := mint.LookupAddress(addr.Localpart, addr.Domain, false)
	if err != nil && (errors.Is(err, mint.ErrAddressNotFound) || errors.Is(err, mint.ErrDomainNotFound)) {
		return nil, config.Destination{}, ErrUnknownCredentials
	} else if err != nil {
		return nil, config.Destination{}, fmt.Errorf("looking up address: %v", err)
	}
	acc, err := OpenAccount(accountName)
	if err != nil {
		return nil, config.Destination{}, err
	}
	return acc, dest, nil
}

// 64 characters, must be power of 2 for MessagePath.
const msgDirChars = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ-_"

// MessagePath returns the on-disk filename relative to the containing
// directory such as <account>/msg or queue, e.g. "a/1".
func MessagePath(messageID int64) string {
	v := messageID >> 13 // 8k files per directory.
	dir := ""
	for {
		dir += string(msgDirChars[int(v)&(len(msgDirChars)-1)])
		v >>= 6
		if v == 0 {
			break
		}
	}
	return fmt.Sprintf("%s/%d", dir, messageID)
}

// MessagePath returns the file system path of a message.
func (a *Account) MessagePath(messageID int64) string {
	return filepath.Join(a.Dir, "msg", MessagePath(messageID))
}

// MessageReader opens a message for reading, transparently combining the
// message prefix with the original incoming message.
func (a *Account) MessageReader(m Message) *MsgReader {
	return &MsgReader{prefix: m.MsgPrefix, path: a.MessagePath(m.ID), size: m.Size}
}

// RemoveMessageFiles removes the on-disk files for messages, e.g. after
// expunge. Errors are logged.
func (a *Account) RemoveMessageFiles(log mlog.Log, ids []int64) {
	for _, id := range ids {
		p := a.MessagePath(id)
		err := os.Remove(p)
		log.Check(err, "removing message file", slog.String("path", p))
	}
}

// MailboxEnsure ensures a mailbox is present in the database, adding records
// for the mailbox and its parents if they aren't present.
//
// If subscribe is true, any created mailboxes are also subscribed to.
// Caller must hold the account wlock and propagate changes if any.
func (a *Account) MailboxEnsure(tx *bstore.Tx, name string, subscribe bool) (mb Mailbox, changes []Change, rerr error) {
	if norm.NFC.String(name) != name {
		return Mailbox{}, nil, fmt.Errorf("mailbox name not normalized")
	}

	// Quick sanity check.
	if strings.EqualFold(name, "inbox") && name != "Inbox" {
		return Mailbox{}, nil, fmt.Errorf("bad casing for inbox")
	}

	elems := strings.Split(name, "/")
	q := bstore.QueryTx[Mailbox](tx)
	q.FilterFn(func(mb Mailbox) bool {
		return mb.Name == elems[0] || strings.HasPrefix(mb.Name, elems[0]+"/")
	})
	l, err := q.List()
	if err != nil {
		return Mailbox{}, nil, fmt.Errorf("list mailboxes: %v", err)
	}

	mailboxes := map[string]Mailbox{}
	for _, xmb := range l {
		mailboxes[xmb.Name] = xmb
	}

	p := ""
	for _, elem := range elems {
		if p != "" {
			p += "/"
		}
		p += elem
		var ok bool
		mb, ok = mailboxes[p]
		if ok {
			continue
		}
		uidval, err := a.NextUIDValidity(tx)
		if err != nil {
			return Mailbox{}, nil, fmt.Errorf("next uid validity: %v", err)
		}
		mb = Mailbox{
			Name:        p,
			UIDValidity: uidval,
			UIDNext:     1,
		}
		if err := tx.Insert(&mb); err != nil {
			return Mailbox{}, nil, fmt.Errorf("creating new mailbox: %v", err)
		}

		change := ChangeAddMailbox{Mailbox: mb}
		if subscribe {
			if tx.Get(&Subscription{p}) != nil {
				if err := tx.Insert(&Subscription{p}); err != nil {
					return Mailbox{}, nil, fmt.Errorf("subscribing to mailbox: %v", err)
				}
			}
			change.Flags = []string{`\Subscribed`}
		}
		changes = append(changes, change)
	}
	return mb, changes, nil
}

// MailboxExists checks if the mailbox exists.
// Caller must hold the account rlock.
func (a *Account) MailboxExists(tx *bstore.Tx, name string) (bool, error) {
	q := bstore.QueryTx[Mailbox](tx)
	q.FilterEqual("Name", name)
	return q.Exists()
}

// MailboxFind finds a mailbox by name, returning a nil mailbox and nil error
// if the mailbox does not exist.
func (a *Account) MailboxFind(tx *bstore.Tx, name string) (*Mailbox, error) {
	q := bstore.QueryTx[Mailbox](tx)
	q.FilterEqual("Name", name)
	mb, err := q.Get()
	if err == bstore.ErrAbsent {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up mailbox: %w", err)
	}
	return &mb, nil
}

// SubscriptionEnsure ensures a subscription for name exists. The mailbox
// does not have to exist. Any parents are not automatically subscribed.
// Changes are returned and must be broadcasted by the caller.
func (a *Account) SubscriptionEnsure(tx *bstore.Tx, name string) ([]Change, error) {
	if err := tx.Get(&Subscription{name}); err == nil {
		return nil, nil
	}

	if err := tx.Insert(&Subscription{name}); err != nil {
		return nil, fmt.Errorf("inserting subscription: %w", err)
	}

	q := bstore.QueryTx[Mailbox](tx)
	q.FilterEqual("Name", name)
	exists, err := q.Exists()
	if err != nil {
		return nil, fmt.Errorf("looking up mailbox for subscription: %w", err)
	}
	if exists {
		return []Change{ChangeAddSubscription{name}}, nil
	}
	return []Change{ChangeAddMailbox{Mailbox: Mailbox{Name: name}, Flags: []string{`\Subscribed`, `\NonExistent`}}}, nil
}

// ExpungeMessages marks the messages as expunged in the database, subtracts
// their sizes from the account disk usage and returns the IDs whose files
// should be removed after the transaction commits, along with the change to
// broadcast. Messages must all be in mailbox mb and sorted by ascending UID.
//
// Caller must hold the account wlock.
func (a *Account) ExpungeMessages(tx *bstore.Tx, mb Mailbox, msgs []Message) (removeIDs []int64, change ChangeRemoveUIDs, rerr error) {
	if len(msgs) == 0 {
		return nil, ChangeRemoveUIDs{}, nil
	}

	modseq, err := a.NextModSeq(tx)
	if err != nil {
		return nil, ChangeRemoveUIDs{}, fmt.Errorf("assigning next modseq: %w", err)
	}

	du := DiskUsage{ID: 1}
	if err := tx.Get(&du); err != nil && err != bstore.ErrAbsent {
		return nil, ChangeRemoveUIDs{}, fmt.Errorf("get disk usage: %w", err)
	}

	uids := make([]UID, len(msgs))
	removeIDs = make([]int64, len(msgs))
	for i, m := range msgs {
		if m.MailboxID != mb.ID {
			return nil, ChangeRemoveUIDs{}, fmt.Errorf("message %d not in mailbox %d", m.ID, mb.ID)
		}
		uids[i] = m.UID
		removeIDs[i] = m.ID
		du.MessageSize -= m.Size
		m.PrepareExpunge()
		m.ModSeq = modseq
		if err := tx.Update(&m); err != nil {
			return nil, ChangeRemoveUIDs{}, fmt.Errorf("marking message %d expunged: %w", m.ID, err)
		}
	}

	if du.ID != 0 {
		if err := tx.Update(&du); err != nil {
			return nil, ChangeRemoveUIDs{}, fmt.Errorf("updating disk usage: %w", err)
		}
	}

	return removeIDs, ChangeRemoveUIDs{mb.ID, uids, modseq}, nil
}

// Set returns a copy of f, with each flag that is true in mask set to the
// value from flags.
func (f Flags) Set(mask, flags Flags) Flags {
	set := func(d *bool, m, v bool) {
		if m {
			*d = v
		}
	}
	r := f
	set(&r.Seen, mask.Seen, flags.Seen)
	set(&r.Answered, mask.Answered, flags.Answered)
	set(&r.Flagged, mask.Flagged, flags.Flagged)
	set(&r.Deleted, mask.Deleted, flags.Deleted)
	set(&r.Draft, mask.Draft, flags.Draft)
	set(&r.Junk, mask.Junk, flags.Junk)
	set(&r.Notjunk, mask.Notjunk, flags.Notjunk)
	set(&r.Phishing, mask.Phishing, flags.Phishing)
	return r
}

// RemoveKeywords removes keywords from l, modifying and returning it. Should
// only be used with lower-case keywords, not with system flags like \Seen.
func RemoveKeywords(l, remove []string) []string {
	for _, k := range remove {
		if i := slices.Index(l, k); i >= 0 {
			copy(l[i:], l[i+1:])
			l = l[:len(l)-1]
		}
	}
	return l
}

// MergeKeywords adds keywords from add into l, returning it along with
// whether anything was added. Keywords are only added if not already
// present.
func MergeKeywords(l, add []string) ([]string, bool) {
	var changed bool
	for _, k := range add {
		if !slices.Contains(l, k) {
			l = append(l, k)
			changed = true
		}
	}
	return l, changed
}

// ParseFlagsKeywords parses a list of textual flags into system/known flags
// and other keywords. Keywords are lower-cased and must be valid.
func ParseFlagsKeywords(l []string) (flags Flags, keywords []string, rerr error) {
	fields := map[string]*bool{
		`\seen`:     &flags.Seen,
		`\answered`: &flags.Answered,
		`\flagged`:  &flags.Flagged,
		`\deleted`:  &flags.Deleted,
		`\draft`:    &flags.Draft,
		`$junk`:     &flags.Junk,
		`$notjunk`:  &flags.Notjunk,
		`$phishing`: &flags.Phishing,
	}
	seen := map[string]bool{}
	for _, f := range l {
		f = strings.ToLower(f)
		if field, ok := fields[f]; ok {
			*field = true
		} else if seen[f] {
			continue
		} else {
			if !ValidLowercaseKeyword(f) {
				return Flags{}, nil, fmt.Errorf("invalid keyword %s", f)
			}
			keywords = append(keywords, f)
			seen[f] = true
		}
	}
	return flags, keywords, nil
}

// ValidLowercaseKeyword returns whether s is a valid, lower-case, keyword.
func ValidLowercaseKeyword(s string) bool {
	for _, c := range s {
		if c >= 'a' && c <= 'z' {
			continue
		}
		if c >= 'A' && c <= 'Z' {
			return false
		}
		const atomspecials = `(){%*"\]`
		if c <= ' ' || c > 0x7e || strings.ContainsRune(atomspecials, c) {
			return false
		}
	}
	return len(s) > 0
}
