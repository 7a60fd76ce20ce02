package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bookloan/pkg/domain"
)

const migrateLockID int64 = 51170113

// GormStore implements Store using GORM. Postgres in production.
type GormStore struct {
	db *gorm.DB
	// rowLocks enables SELECT ... FOR UPDATE on book rows.
	rowLocks bool
}

// NewGormStore opens the Postgres DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	return NewGormStoreWithDialector(postgres.Open(dsn))
}

// NewGormStoreWithDialector opens a store on an arbitrary GORM dialector.
func NewGormStoreWithDialector(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	isPostgres := db.Dialector.Name() == "postgres"
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &BookModel{}, &BorrowModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		// One open borrow per (user, book).
		if err := tx.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_borrow_open_pair
			ON borrow_models (user_id, book_isbn)
			WHERE returned_at IS NULL
		`).Error; err != nil {
			return fmt.Errorf("create open borrow index: %w", err)
		}
		return nil
	}
	if isPostgres {
		err = withMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db, rowLocks: isPostgres}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateUser registers a user.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrUserExists
		}
		return err
	}
	return nil
}

// GetUserByUsername looks up a user by username.
func (s *GormStore) GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// UserCount returns number of users.
func (s *GormStore) UserCount(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// ListBooks returns all books ordered by creation.
func (s *GormStore) ListBooks(ctx context.Context) ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Order("isbn ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(ctx context.Context, isbn string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "isbn = ?", isbn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// AddOrIncrease upserts the book, adding delta to an existing copy count.
func (s *GormStore) AddOrIncrease(ctx context.Context, isbn, title, author string, delta int) (domain.Book, error) {
	var out BookModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := BookModel{
			ISBN:            isbn,
			Title:           title,
			Author:          author,
			AvailableCopies: delta,
			CreatedAt:       time.Now().UTC(),
		}
		if delta > domain.MaxAvailableCopies {
			return ErrCopiesOverflow
		}
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "isbn"}},
			DoUpdates: clause.Assignments(map[string]any{
				"available_copies": gorm.Expr("book_models.available_copies + ?", delta),
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "book_models.available_copies <= ?", Vars: []any{domain.MaxAvailableCopies - delta}},
			}},
		}).Create(&model)
		if res.Error != nil {
			return res.Error
		}
		// The conflict update is skipped when the sum would overflow.
		if res.RowsAffected == 0 {
			return ErrCopiesOverflow
		}
		return tx.First(&out, "isbn = ?", isbn).Error
	})
	if err != nil {
		return domain.Book{}, err
	}
	return bookFromModel(out), nil
}

// ListOpenBorrows returns all borrows without a return time.
func (s *GormStore) ListOpenBorrows(ctx context.Context) ([]domain.Borrow, error) {
	var models []BorrowModel
	if err := s.db.WithContext(ctx).
		Preload("Book").
		Where("returned_at IS NULL").
		Order("borrowed_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Borrow, 0, len(models))
	for _, m := range models {
		res = append(res, borrowFromModel(m))
	}
	return res, nil
}

// WithBookLock runs fn in a transaction holding the book row lock.
func (s *GormStore) WithBookLock(ctx context.Context, isbn string, fn func(BorrowLedger, domain.Book) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx
		if s.rowLocks {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var model BookModel
		if err := query.First(&model, "isbn = ?", isbn).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		return fn(gormLedger{db: tx}, bookFromModel(model))
	})
}

// gormLedger runs ledger queries on the transaction of a book lock.
type gormLedger struct {
	db *gorm.DB
}

func (l gormLedger) FindOpenBorrow(ctx context.Context, userID, isbn string) (domain.Borrow, bool, error) {
	return l.first(l.db.WithContext(ctx).Where("user_id = ? AND book_isbn = ? AND returned_at IS NULL", userID, isbn))
}

func (l gormLedger) FindLatestBorrow(ctx context.Context, userID, isbn string) (domain.Borrow, bool, error) {
	return l.first(l.db.WithContext(ctx).Where("user_id = ? AND book_isbn = ?", userID, isbn).Order("borrowed_at DESC"))
}

func (l gormLedger) first(query *gorm.DB) (domain.Borrow, bool, error) {
	var model BorrowModel
	if err := query.Preload("Book").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Borrow{}, false, nil
		}
		return domain.Borrow{}, false, err
	}
	return borrowFromModel(model), true, nil
}

func (l gormLedger) CountOpenBorrows(ctx context.Context, isbn string) (int, error) {
	var count int64
	if err := l.db.WithContext(ctx).
		Model(&BorrowModel{}).
		Where("book_isbn = ? AND returned_at IS NULL", isbn).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (l gormLedger) CreateBorrow(ctx context.Context, user domain.Identity, book domain.Book, borrowedAt time.Time) (domain.Borrow, error) {
	model := BorrowModel{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		Username:   user.Username,
		BookISBN:   book.ISBN,
		BorrowedAt: borrowedAt.UTC(),
	}
	if err := l.db.WithContext(ctx).Omit(clause.Associations).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.Borrow{}, ErrDuplicateOpenBorrow
		}
		return domain.Borrow{}, err
	}
	model.Book = bookToModel(book)
	return borrowFromModel(model), nil
}

func (l gormLedger) CloseBorrow(ctx context.Context, borrow domain.Borrow, returnedAt time.Time) (domain.Borrow, error) {
	at := returnedAt.UTC()
	res := l.db.WithContext(ctx).
		Model(&BorrowModel{}).
		Where("id = ? AND returned_at IS NULL", borrow.ID).
		Update("returned_at", at)
	if res.Error != nil {
		return domain.Borrow{}, res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := l.db.WithContext(ctx).Model(&BorrowModel{}).Where("id = ?", borrow.ID).Count(&count).Error; err != nil {
			return domain.Borrow{}, err
		}
		if count == 0 {
			return domain.Borrow{}, ErrNotFound
		}
		return domain.Borrow{}, ErrAlreadyReturned
	}
	borrow.ReturnedAt = &at
	return borrow, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		Status:       string(u.Status),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		Status:       domain.UserStatus(m.Status),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ISBN:            b.ISBN,
		Title:           b.Title,
		Author:          b.Author,
		AvailableCopies: b.AvailableCopies,
		CreatedAt:       b.CreatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ISBN:            m.ISBN,
		Title:           m.Title,
		Author:          m.Author,
		AvailableCopies: m.AvailableCopies,
		CreatedAt:       m.CreatedAt,
	}
}

func borrowFromModel(m BorrowModel) domain.Borrow {
	var returnedAt *time.Time
	if m.ReturnedAt != nil {
		t := m.ReturnedAt.UTC()
		returnedAt = &t
	}
	return domain.Borrow{
		ID:         m.ID,
		UserID:     m.UserID,
		Username:   m.Username,
		Book:       bookFromModel(m.Book),
		BorrowedAt: m.BorrowedAt.UTC(),
		ReturnedAt: returnedAt,
	}
}
