// list.go - bbolt-backed transfer job list.
// Copyright (C) 2016  Sly Chat Developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package transfer

import (
	"errors"
	"sort"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	uploadsBucket   = "uploads"
	downloadsBucket = "downloads"
)

// ErrJobNotFound is the error returned when a job id is not in the
// list.
var ErrJobNotFound = errors.New("transfer: job not found")

// List is the persisted transfer job list.  Jobs stay in the list until
// explicitly removed so interrupted transfers survive restarts.
type List struct {
	db *bolt.DB
}

// NewList opens or creates the job list at the given path.
func NewList(path string) (*List, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{uploadsBucket, downloadsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &List{db: db}, nil
}

// Close closes the underlying database.
func (l *List) Close() error {
	return l.db.Close()
}

// PutUpload inserts or replaces an upload record.
func (l *List) PutUpload(u *Upload) error {
	data, err := cbor.Marshal(u)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(uploadsBucket)).Put([]byte(u.ID), data)
	})
}

// Upload returns the upload record with the given id.
func (l *List) Upload(id string) (*Upload, error) {
	var u *Upload
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(uploadsBucket)).Get([]byte(id))
		if v == nil {
			return ErrJobNotFound
		}
		u = new(Upload)
		return cbor.Unmarshal(v, u)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// RemoveUpload deletes an upload record.
func (l *List) RemoveUpload(id string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(uploadsBucket))
		if b.Get([]byte(id)) == nil {
			return ErrJobNotFound
		}
		return b.Delete([]byte(id))
	})
}

// Uploads returns every persisted upload, ordered by id.
func (l *List) Uploads() ([]*Upload, error) {
	var uploads []*Upload
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(uploadsBucket)).ForEach(func(k, v []byte) error {
			u := new(Upload)
			if err := cbor.Unmarshal(v, u); err != nil {
				return err
			}
			uploads = append(uploads, u)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].ID < uploads[j].ID })
	return uploads, nil
}

// PutDownload inserts or replaces a download record.
func (l *List) PutDownload(d *Download) error {
	data, err := cbor.Marshal(d)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(downloadsBucket)).Put([]byte(d.ID), data)
	})
}

// Download returns the download record with the given id.
func (l *List) Download(id string) (*Download, error) {
	var d *Download
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(downloadsBucket)).Get([]byte(id))
		if v == nil {
			return ErrJobNotFound
		}
		d = new(Download)
		return cbor.Unmarshal(v, d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// RemoveDownload deletes a download record.
func (l *List) RemoveDownload(id string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(downloadsBucket))
		if b.Get([]byte(id)) == nil {
			return ErrJobNotFound
		}
		return b.Delete([]byte(id))
	})
}

// Downloads returns every persisted download, ordered by id.
func (l *List) Downloads() ([]*Download, error) {
	var downloads []*Download
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(downloadsBucket)).ForEach(func(k, v []byte) error {
			d := new(Download)
			if err := cbor.Unmarshal(v, d); err != nil {
				return err
			}
			downloads = append(downloads, d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(downloads, func(i, j int) bool { return downloads[i].ID < downloads[j].ID })
	return downloads, nil
}
