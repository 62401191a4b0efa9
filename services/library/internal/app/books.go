package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"libraryhub/pkg/domain"
	"libraryhub/pkg/store"
)

// BookService owns the book catalogue and its stock.
type BookService struct {
	store store.Store
}

// Register adds a book to the catalogue.
func (s *BookService) Register(ctx context.Context, code, title, author string, stock int) (domain.Book, error) {
	book := domain.Book{
		Code:   strings.TrimSpace(code),
		Title:  strings.TrimSpace(title),
		Author: strings.TrimSpace(author),
		Stock:  stock,
	}
	switch {
	case book.Code == "":
		return domain.Book{}, requiredField("code")
	case book.Title == "":
		return domain.Book{}, requiredField("title")
	case book.Author == "":
		return domain.Book{}, requiredField("author")
	case book.Stock < 0:
		return domain.Book{}, ErrNegativeStock
	}
	if err := s.store.CreateBook(ctx, book); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return domain.Book{}, ErrBookCodeUsed
		}
		return domain.Book{}, fmt.Errorf("create book: %w", err)
	}
	return book, nil
}

// ListAvailable returns books with at least one copy on the shelf.
func (s *BookService) ListAvailable(ctx context.Context) ([]domain.Book, error) {
	books, err := s.store.ListAvailableBooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

func (s *BookService) FindByCode(ctx context.Context, code string) (domain.Book, bool, error) {
	return s.store.GetBook(ctx, strings.TrimSpace(code))
}

// IncrementStock puts one copy back. It only runs inside a return transaction.
func (s *BookService) IncrementStock(tx store.Tx, code string) error {
	return tx.IncrementStock(code)
}
