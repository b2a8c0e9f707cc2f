package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var levelDBKeyPrefix = []byte("ticket:")

// LevelDBTicketStore 嵌入式 LevelDB 票据存储，适用于单节点持久化
type LevelDBTicketStore struct {
	db *leveldb.DB
}

// NewLevelDBTicketStore 打开指定目录下的数据库
func NewLevelDBTicketStore(path string, opts *opt.Options) (*LevelDBTicketStore, error) {
	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("打开 LevelDB 失败: %w", err)
	}
	return &LevelDBTicketStore{db: db}, nil
}

// NewMemLevelDBTicketStore 基于内存存储打开数据库，测试使用
func NewMemLevelDBTicketStore() (*LevelDBTicketStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBTicketStore{db: db}, nil
}

// Close 关闭数据库
func (s *LevelDBTicketStore) Close() error {
	return s.db.Close()
}

func levelDBKey(id string) []byte {
	return append(append([]byte(nil), levelDBKeyPrefix...), id...)
}

func (s *LevelDBTicketStore) Put(_ context.Context, ticket model.Ticket) error {
	data, err := model.MarshalTicket(ticket)
	if err != nil {
		return err
	}
	if err := s.db.Put(levelDBKey(ticket.ID()), data, nil); err != nil {
		return fmt.Errorf("存储票据失败: %w", err)
	}
	return nil
}

func (s *LevelDBTicketStore) Get(_ context.Context, id string) (model.Ticket, error) {
	data, err := s.db.Get(levelDBKey(id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, model.ErrTicketNotFound
		}
		return nil, fmt.Errorf("获取票据失败: %w", err)
	}
	return model.UnmarshalTicket(data)
}

func (s *LevelDBTicketStore) Delete(_ context.Context, id string) (bool, error) {
	key := levelDBKey(id)
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("删除票据失败: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := s.db.Delete(key, nil); err != nil {
		return false, fmt.Errorf("删除票据失败: %w", err)
	}
	return true, nil
}

func (s *LevelDBTicketStore) List(_ context.Context) ([]model.Ticket, error) {
	iter := s.db.NewIterator(util.BytesPrefix(levelDBKeyPrefix), nil)
	defer iter.Release()

	var tickets []model.Ticket
	for iter.Next() {
		t, err := model.UnmarshalTicket(iter.Value())
		if err != nil {
			continue
		}
		tickets = append(tickets, t)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("遍历票据失败: %w", err)
	}
	return tickets, nil
}

func (s *LevelDBTicketStore) Clear(_ context.Context) (int, error) {
	iter := s.db.NewIterator(util.BytesPrefix(levelDBKeyPrefix), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("遍历票据失败: %w", err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("清空票据失败: %w", err)
	}
	return batch.Len(), nil
}
