// Copyright 2025 The Agim Authors
// This file is part of the Agim library.
//
// The Agim library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The Agim library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the Agim library. If not, see <http://www.gnu.org/licenses/>.

package sched

import "go.uber.org/zap"

// log is the package logger; a no-op sink until the host installs one.
var log = zap.NewNop().Sugar()

// SetLogger installs the structured logger used by the scheduler, its
// workers, and the timer wheel.
func SetLogger(l *zap.SugaredLogger) {
	if l != nil {
		log = l
	}
}
