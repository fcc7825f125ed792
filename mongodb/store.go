// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package mongodb implements a failed job store on MongoDB.
package mongodb

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"
	"go.uber.org/zap"

	"github.com/olivere/jobworker"
)

const (
	// socketTimeout spans just over two 10s server ping periods.
	socketTimeout = 21 * time.Second

	// dialTimeout is the upper bound of the time taken to dial a mongo
	// server. It can be overridden by SetDialTimeout.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "failed_jobs"
)

// Store logs permanently failed jobs into a MongoDB collection.
// It implements the jobworker.FailedJobStore interface.
type Store struct {
	session        *mgo.Session
	db             *mgo.Database
	coll           *mgo.Collection
	collectionName string
	dialTimeout    time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetCollectionName overrides the default collection name.
func SetCollectionName(collectionName string) StoreOption {
	return func(s *Store) {
		if collectionName != "" {
			s.collectionName = collectionName
		}
	}
}

// SetDialTimeout overrides the default dial timeout.
func SetDialTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// SetLogger specifies the logger.
func SetLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore connects to the database in mongodbURL.
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
		dialTimeout:    dialTimeout,
		logger:         zap.NewNop(),
		now:            time.Now,
	}
	for _, opt := range options {
		opt(st)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongodb: database missing in URL")
	}
	dbname := uri.Path[1:]

	st.session, err = mgo.DialWithTimeout(mongodbURL, st.dialTimeout)
	if err != nil {
		return nil, err
	}
	st.session.SetMode(mgo.Monotonic, true)
	st.session.SetSocketTimeout(socketTimeout)

	st.db = st.session.DB(dbname)
	st.coll = st.db.C(st.collectionName)

	if err := st.coll.EnsureIndexKey("-fail_time"); err != nil {
		st.session.Close()
		return nil, err
	}
	return st, nil
}

// Close the MongoDB store.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

func (s *Store) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		return jobworker.ErrNotFound
	}
	return err
}

// All returns the failed jobs, most recent first.
func (s *Store) All(ctx context.Context) ([]*jobworker.FailedJob, error) {
	var list []*failedJob
	err := s.coll.Find(bson.M{}).Sort("-fail_time", "-_id").All(&list)
	if err != nil {
		return nil, s.wrapError(err)
	}
	jobs := make([]*jobworker.FailedJob, 0, len(list))
	for _, j := range list {
		jobs = append(jobs, j.ToFailedJob())
	}
	return jobs, nil
}

// Find returns the failed job with the given id.
func (s *Store) Find(ctx context.Context, id string) (*jobworker.FailedJob, error) {
	if !bson.IsObjectIdHex(id) {
		return nil, jobworker.ErrNotFound
	}
	var j failedJob
	if err := s.coll.FindId(bson.ObjectIdHex(id)).One(&j); err != nil {
		return nil, s.wrapError(err)
	}
	return j.ToFailedJob(), nil
}

// Forget removes the failed job with the given id.
func (s *Store) Forget(ctx context.Context, id string) (bool, error) {
	if !bson.IsObjectIdHex(id) {
		return false, nil
	}
	err := s.coll.RemoveId(bson.ObjectIdHex(id))
	if err == mgo.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Flush removes all failed jobs.
func (s *Store) Flush(ctx context.Context) error {
	_, err := s.coll.RemoveAll(bson.M{})
	return s.wrapError(err)
}

// Log adds a failed job and returns its id.
func (s *Store) Log(ctx context.Context, connection, queue string, payload []byte, exception string) (string, error) {
	j := &failedJob{
		ID:         bson.NewObjectId(),
		Connection: connection,
		Queue:      queue,
		Payload:    string(payload),
		Exception:  exception,
		FailTime:   s.now().Unix(),
	}
	if err := s.coll.Insert(j); err != nil {
		return "", s.wrapError(err)
	}
	s.logger.Debug("mongodb: failed job logged", zap.String("id", j.ID.Hex()))
	return j.ID.Hex(), nil
}

// -- MongoDB-internal representation of a failed job --

type failedJob struct {
	ID         bson.ObjectId `bson:"_id"`
	Connection string        `bson:"connection"`
	Queue      string        `bson:"queue"`
	Payload    string        `bson:"payload"`
	Exception  string        `bson:"exception"`
	FailTime   int64         `bson:"fail_time"`
}

func (j *failedJob) ToFailedJob() *jobworker.FailedJob {
	return &jobworker.FailedJob{
		ID:         j.ID.Hex(),
		Connection: j.Connection,
		Queue:      j.Queue,
		Payload:    j.Payload,
		Exception:  j.Exception,
		FailedAt:   time.Unix(j.FailTime, 0),
	}
}
